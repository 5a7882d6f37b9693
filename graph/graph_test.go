package graph_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path"

	"github.com/airbusgeo/geocube-featuremap/common"
	"github.com/airbusgeo/geocube-featuremap/graph"
	"github.com/airbusgeo/geocube-featuremap/service"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"
)

type call struct {
	tool string
	args []string
}

// fakeRunner records the calls and fails on the tool named failOn
type fakeRunner struct {
	calls  []call
	failOn string
}

func (r *fakeRunner) Run(ctx context.Context, tool string, args []string) (graph.ExitStatus, error) {
	r.calls = append(r.calls, call{tool, args})
	if tool == r.failOn {
		return graph.ExitStatus{Code: 1, Tail: []string{"boom"}}, service.MakeFatal(errors.New("boom"))
	}
	return graph.ExitStatus{}, nil
}

var _ = Describe("LoadGraph", func() {

	otbStep := graph.ProcessingStep{
		Engine:    "otb",
		Command:   "ImageClassifier",
		Condition: graph.ConditionHasModel,

		Args: map[string]graph.Arg{
			"in":     graph.ArgIn{Input: graph.InputFeatureMap},
			"model":  graph.ArgIn{Input: graph.InputModel},
			"imstat": graph.ArgOut{Name: "statistics", Extension: service.ExtensionXML},
			"out":    graph.ArgOut{Name: "classification", Extension: service.ExtensionGTiff, PixelType: "uint8"},
			"ram":    graph.ArgConfig("ram"),
			"tile":   graph.ArgTile("name"),
			"opt":    graph.ArgFixed("1"),
		},
	}

	var stepsShouldBeEqual = func(final_step, expected_step graph.ProcessingStep) {
		Expect(final_step.Engine).To(Equal(expected_step.Engine))
		Expect(final_step.Command).To(Equal(expected_step.Command))
		Expect(final_step.Args).To(Equal(expected_step.Args))
		Expect(final_step.Condition.Name).To(Equal(expected_step.Condition.Name))
	}

	Describe("Loading input condition", func() {
		var final_condition, expected_condition graph.InputCondition

		JustBeforeEach(func() {
			b, err := json.Marshal(&expected_condition)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(b, &final_condition)).To(Succeed())
		})

		Context("Pass", func() {
			BeforeEach(func() {
				expected_condition = graph.ConditionPass
			})
			It("should be equal", func() {
				Expect(final_condition.Name).To(Equal(expected_condition.Name))
				Expect(final_condition.Pass(graph.Inputs{})).To(BeTrue())
			})
		})

		Context("HasVector", func() {
			BeforeEach(func() {
				expected_condition = graph.ConditionHasVector
			})
			It("should be equal", func() {
				Expect(final_condition.Name).To(Equal("has_vector"))
				Expect(final_condition.Pass(graph.Inputs{graph.InputVector: "zones.shp"})).To(BeTrue())
				Expect(final_condition.Pass(graph.Inputs{})).To(BeFalse())
			})
		})

		Context("Unknown", func() {
			It("should raise an error", func() {
				Expect(json.Unmarshal([]byte(`"unknown"`), &final_condition)).NotTo(Succeed())
			})
		})
	})

	Describe("Loading output condition", func() {
		It("should evaluate error conditions", func() {
			var c graph.Condition
			Expect(json.Unmarshal([]byte(`"on_failure"`), &c)).To(Succeed())
			Expect(c.Pass(errors.New("failed"), nil, "", nil)).To(BeTrue())
			Expect(c.Pass(nil, nil, "", nil)).To(BeFalse())
		})

		It("should evaluate file conditions", func() {
			workdir, err := os.MkdirTemp("", "graph")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(workdir)
			f := graph.File{Name: "statistics", Extension: service.ExtensionXML}
			Expect(graph.ConditionFileExists.Pass(nil, nil, workdir, &f)).To(BeFalse())
			Expect(os.WriteFile(f.Path(workdir), []byte("<xml/>"), 0644)).To(Succeed())
			Expect(graph.ConditionFileExists.Pass(nil, nil, workdir, &f)).To(BeTrue())
			Expect(graph.ConditionFileExists.Pass(errors.New("failed"), nil, workdir, &f)).To(BeFalse())
		})
	})

	Describe("Loading argument", func() {
		var final_arg, expected_arg graph.Arg
		var itShouldBeEqual = func() {
			It("should be equal", func() {
				Expect(final_arg).To(Equal(expected_arg))
			})
		}

		JustBeforeEach(func() {
			b, err := json.Marshal(&expected_arg)
			Expect(err).NotTo(HaveOccurred())
			var argJson graph.ArgJSON
			Expect(json.Unmarshal(b, &argJson)).To(Succeed())
			final_arg = argJson.Arg
		})

		Context("ArgFixed", func() {
			BeforeEach(func() {
				expected_arg = graph.ArgFixed("fixed_arg")
			})
			itShouldBeEqual()
		})

		Context("ArgConfig", func() {
			BeforeEach(func() {
				expected_arg = graph.ArgConfig("config_flag")
			})
			itShouldBeEqual()
		})

		Context("ArgTile", func() {
			BeforeEach(func() {
				expected_arg = graph.ArgTile("crs")
			})
			itShouldBeEqual()
		})

		Context("ArgIn", func() {
			BeforeEach(func() {
				expected_arg = graph.ArgIn{Input: graph.InputFeatureMap}
			})
			itShouldBeEqual()
		})

		Context("ArgOut", func() {
			BeforeEach(func() {
				expected_arg = graph.ArgOut{Name: "classification", Extension: service.ExtensionGTiff, PixelType: "uint8"}
			})
			itShouldBeEqual()
		})
	})

	Describe("Loading step", func() {
		It("should be equal", func() {
			b, err := json.Marshal(&otbStep)
			Expect(err).NotTo(HaveOccurred())
			var final_step graph.ProcessingStep
			Expect(json.Unmarshal(b, &final_step)).To(Succeed())
			stepsShouldBeEqual(final_step, otbStep)
		})
	})

	Describe("Loading graph", func() {
		It("should be equal", func() {
			expected_graph := graph.ProcessingGraphJSON{
				Config: map[string]string{"ram": "1000"},
				Steps:  []graph.ProcessingStep{otbStep},
				InFiles: []graph.InFile{
					{Input: graph.InputFeatureMap, Condition: graph.ConditionPass},
					{Input: graph.InputModel, Condition: graph.ConditionHasModel},
				},
				OutFiles: []graph.OutFile{
					{File: graph.File{Name: "classification", Extension: service.ExtensionGTiff}, Action: graph.ToIndex, Exponent: 1, Condition: graph.Condition(graph.ConditionPass)},
					{File: graph.File{Name: "statistics", Extension: service.ExtensionXML}, Action: graph.ToDelete, Exponent: 1, Condition: graph.ConditionOnFailure},
				},
			}
			b, err := json.Marshal(&expected_graph)
			Expect(err).NotTo(HaveOccurred())
			var final_graph graph.ProcessingGraphJSON
			Expect(json.Unmarshal(b, &final_graph)).To(Succeed())

			Expect(final_graph.Config).To(Equal(expected_graph.Config))
			Expect(len(final_graph.InFiles)).To(Equal(2))
			for i, in := range final_graph.InFiles {
				Expect(in.Input).To(Equal(expected_graph.InFiles[i].Input))
				Expect(in.Condition.Name).To(Equal(expected_graph.InFiles[i].Condition.Name))
			}
			Expect(len(final_graph.OutFiles)).To(Equal(2))
			for i, out := range final_graph.OutFiles {
				Expect(out.File).To(Equal(expected_graph.OutFiles[i].File))
				Expect(out.Action).To(Equal(expected_graph.OutFiles[i].Action))
				Expect(out.Condition.Name).To(Equal(expected_graph.OutFiles[i].Condition.Name))
			}
			Expect(len(final_graph.Steps)).To(Equal(1))
			stepsShouldBeEqual(final_graph.Steps[0], otbStep)
		})
	})

	Describe("Loading output file", func() {
		It("should apply the defaults and keep dformat_out", func() {
			var of graph.OutFile
			Expect(json.Unmarshal([]byte(`{"name": "classification", "extension": "tif", "action": "to_index", "dformat_out": {"type": "config", "value": "dformat_out"}}`), &of)).To(Succeed())
			Expect(of.Exponent).To(Equal(1.0))
			Expect(of.Condition.Name).To(Equal(graph.ConditionPass.Name))
			Expect(of.Action).To(Equal(graph.ToIndex))
			Expect(of.DFormatOut()).To(Equal(graph.ArgConfig("dformat_out")))
		})

		It("should reject an unknown action", func() {
			var of graph.OutFile
			Expect(json.Unmarshal([]byte(`{"name": "classification", "extension": "tif", "action": "to_archive"}`), &of)).NotTo(Succeed())
		})

		It("should reject an unknown argument type", func() {
			var a graph.ArgJSON
			Expect(json.Unmarshal([]byte(`{"type": "env", "value": "HOME"}`), &a)).NotTo(Succeed())
		})
	})

	Context("Loading library", func() {
		wd, _ := os.Getwd()
		for _, name := range []string{"ClassificationZonalStatistics.json", "FeatureMapStatistics.json"} {
			name := name
			It("should load "+name, func() {
				g, config, err := graph.LoadGraphFromFile(context.Background(), path.Join(wd, "library", name))
				Expect(err).NotTo(HaveOccurred())
				Expect(config).To(HaveKey("ram"))
				Expect(g.Summary()).To(ContainSubstring("ComputeImagesStatistics"))
			})
		}

		It("should load the builtins", func() {
			for _, name := range graph.Builtins() {
				g, config, err := graph.LoadGraph(context.Background(), name)
				Expect(err).NotTo(HaveOccurred())
				Expect(g).NotTo(BeNil())
				Expect(config).To(HaveKeyWithValue("ram", "4000"))
			}
		})

		It("should fail on an unknown graph", func() {
			_, _, err := graph.LoadGraph(context.Background(), "NoSuchGraph")
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Process", func() {
	var (
		ctx     = context.Background()
		tile    = common.Tile{Name: "T31TCJ", Extent: common.Extent{PixelSizeX: 10, PixelSizeY: -10, Width: 100, Height: 100}}
		workdir string
		runner  *fakeRunner
		g       *graph.ProcessingGraph
		config  graph.GraphConfig
	)

	BeforeEach(func() {
		var err error
		workdir, err = os.MkdirTemp("", "graph")
		Expect(err).NotTo(HaveOccurred())
		runner = &fakeRunner{}
		g, config, err = graph.LoadGraph(ctx, "ImageClassifier")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(workdir)
	})

	It("should run the OTB applications in order", func() {
		outfiles, err := g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif", graph.InputModel: "/data/model.txt"}, tile, workdir)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.calls).To(HaveLen(2))
		Expect(runner.calls[0].tool).To(Equal("otbcli_ComputeImagesStatistics"))
		Expect(runner.calls[0].args).To(Equal([]string{"-bv", "nan", "-il", "/data/fm.tif", "-out", path.Join(workdir, "statistics.xml"), "-ram", "4000"}))
		Expect(runner.calls[1].tool).To(Equal("otbcli_ImageClassifier"))
		Expect(runner.calls[1].args).To(Equal([]string{
			"-imstat", path.Join(workdir, "statistics.xml"),
			"-in", "/data/fm.tif",
			"-model", "/data/model.txt",
			"-out", path.Join(workdir, "classification.tif"), "uint8",
			"-ram", "4000",
		}))

		Expect(outfiles).To(HaveLen(2))
		Expect(outfiles[0].Action).To(Equal(graph.ToDelete))
		Expect(outfiles[1].Action).To(Equal(graph.ToIndex))
		Expect(outfiles[1].LocalPath).To(Equal(path.Join(workdir, "classification.tif")))
		Expect(outfiles[1].DType).To(Equal(graph.UInt8))
		Expect(outfiles[1].Max).To(Equal(255.))
	})

	It("should fail if an input is missing", func() {
		_, err := g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif"}, tile, workdir)
		Expect(err).To(HaveOccurred())
		Expect(service.Fatal(err)).To(BeTrue())
		Expect(runner.calls).To(BeEmpty())
	})

	It("should stop at the first failure", func() {
		runner.failOn = "otbcli_ComputeImagesStatistics"
		outfiles, err := g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif", graph.InputModel: "/data/model.txt"}, tile, workdir)
		Expect(err).To(HaveOccurred())
		Expect(service.Fatal(err)).To(BeTrue())
		Expect(runner.calls).To(HaveLen(1))
		Expect(outfiles).To(BeEmpty())
	})

	It("should skip the steps whose condition is not fulfilled", func() {
		wd, _ := os.Getwd()
		g, config, err := graph.LoadGraphFromFile(ctx, path.Join(wd, "library", "ClassificationZonalStatistics.json"))
		Expect(err).NotTo(HaveOccurred())
		outfiles, err := g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif", graph.InputModel: "/data/model.txt"}, tile, workdir)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.calls).To(HaveLen(2))
		Expect(outfiles).To(HaveLen(2))

		runner.calls = nil
		outfiles, err = g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif", graph.InputModel: "/data/model.txt", graph.InputVector: "/data/zones.shp"}, tile, workdir)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.calls).To(HaveLen(3))
		Expect(runner.calls[2].args).To(ContainElement(path.Join(workdir, "classification.tif")))
		Expect(outfiles).To(HaveLen(3))

		runner.calls = nil
		runner.failOn = "otbcli_ImageClassifier"
		outfiles, err = g.Process(ctx, runner, config, graph.Inputs{graph.InputFeatureMap: "/data/fm.tif", graph.InputModel: "/data/model.txt"}, tile, workdir)
		Expect(err).To(HaveOccurred())
		Expect(outfiles).To(HaveLen(1))
		Expect(outfiles[0].Action).To(Equal(graph.ToDelete))
		Expect(outfiles[0].Name).To(Equal("classification"))
	})
})

var _ = Describe("LogFilter", func() {
	It("should select the filter of the tool", func() {
		Expect(graph.NewLogFilter("/opt/otb/bin/otbcli_ImageClassifier")).To(BeAssignableToTypeOf(&graph.OTBLogFilter{}))
		Expect(graph.NewLogFilter("/data/graph/python/stats.py")).To(BeAssignableToTypeOf(&graph.PythonLogFilter{}))
		Expect(graph.NewLogFilter("gdal_calc")).To(BeAssignableToTypeOf(&graph.CmdLogFilter{}))
	})

	It("should keep the OTB fatal errors", func() {
		f := graph.OTBLogFilter{}
		_, level, ignore := f.Filter("2024-01-01 10:00:00 (INFO) ImageClassifier: Loading model", zapcore.InfoLevel)
		Expect(level).To(Equal(zapcore.DebugLevel))
		Expect(ignore).To(BeFalse())
		_, _, ignore = f.Filter("0% [                                                  ]", zapcore.InfoLevel)
		Expect(ignore).To(BeTrue())
		_, level, _ = f.Filter("2024-01-01 10:00:01 (FATAL) ImageClassifier: Parameter model is missing", zapcore.InfoLevel)
		Expect(level).To(Equal(zapcore.ErrorLevel))

		err := f.WrapError(errors.New("exit code 1"))
		Expect(service.Fatal(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Parameter model is missing"))
	})

	It("should classify the command errors", func() {
		f := graph.CmdLogFilter{}
		f.Filter("TEMPORARY ERROR: connection reset", zapcore.InfoLevel)
		Expect(service.Temporary(f.WrapError(errors.New("exit code 1")))).To(BeTrue())
	})
})
