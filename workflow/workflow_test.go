package workflow_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	db "github.com/airbusgeo/geocube-featuremap/interface/database"
	"github.com/airbusgeo/geocube-featuremap/workflow"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func newRequest(tiles ...string) common.RunRequest {
	return common.RunRequest{
		Tiles:      tiles,
		Policy:     chunk.ByCount(4),
		Layout:     "layout.json",
		Features:   common.FeatureSpec{Module: "landcover"},
		Output:     "runs/test",
		RetryCount: 1,
		AssembleOptions: common.AssembleOptions{
			Name: "featuremap.tif",
		},
	}
}

func publishedJobs() []common.Job {
	jobs := make([]common.Job, len(jobQueue.messages))
	for i, m := range jobQueue.messages {
		Expect(json.Unmarshal(m, &jobs[i])).To(Succeed())
	}
	return jobs
}

func chunkResult(runID, tile string, index int, status common.Status) common.Result {
	return common.Result{Type: common.ResultTypeChunk, RunID: runID, Tile: tile, Index: index, Status: status, Message: "msg"}
}

func assembleResult(runID string, status common.Status) common.Result {
	return common.Result{Type: common.ResultTypeAssemble, RunID: runID, Status: status, Message: "assembly"}
}

var _ = Describe("CreateRun", func() {
	var (
		request  common.RunRequest
		returned string
		err      error
	)

	JustBeforeEach(func() {
		jobQueue.messages = nil
		returned, err = wf.CreateRun(ctx, request)
	})

	var itShouldReturnAValidationError = func() {
		It("should return a validation error", func() {
			Expect(errors.As(err, &workflow.ValidationError{})).To(BeTrue())
			Expect(jobQueue.messages).To(BeEmpty())
		})
	}

	Context("with two tiles", func() {
		BeforeEach(func() {
			request = newRequest("T1", "T2")
		})
		It("should create the run and its chunks", func() {
			Expect(err).NotTo(HaveOccurred())
			run, err := wf.Run(ctx, returned)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(common.StatusNEW))
			Expect(run.RetryCountDown).To(Equal(1))
			status, err := wf.ChunksStatus(ctx, returned)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Pending).To(Equal(int64(8)))
			Expect(status.Total()).To(Equal(int64(8)))
		})
		It("should publish one chunk job per chunk", func() {
			jobs := publishedJobs()
			Expect(jobs).To(HaveLen(8))
			for i, job := range jobs {
				Expect(job.Type).To(Equal(common.JobTypeChunk))
				Expect(job.Chunk.RunID).To(Equal(returned))
				Expect(job.Chunk.Index).To(Equal(i % 4))
				Expect(job.Chunk.Output).To(Equal("runs/test"))
			}
			Expect(jobs[0].Chunk.Tile).To(Equal("T1"))
			Expect(jobs[7].Chunk.Tile).To(Equal("T2"))
		})
	})

	Context("without tile", func() {
		BeforeEach(func() {
			request = newRequest()
		})
		itShouldReturnAValidationError()
	})

	Context("with duplicate tiles", func() {
		BeforeEach(func() {
			request = newRequest("T1", "T1")
		})
		itShouldReturnAValidationError()
	})

	Context("without feature module", func() {
		BeforeEach(func() {
			request = newRequest("T1")
			request.Features.Module = ""
		})
		itShouldReturnAValidationError()
	})

	Context("with an invalid policy", func() {
		BeforeEach(func() {
			request = newRequest("T1")
			request.Policy = chunk.ByCount(0)
		})
		It("should return a validation error wrapping the policy error", func() {
			Expect(errors.As(err, &workflow.ValidationError{})).To(BeTrue())
			Expect(errors.As(err, &chunk.PolicyError{})).To(BeTrue())
		})
	})

	Context("with an unknown tile", func() {
		BeforeEach(func() {
			request = newRequest("T1", "unknown")
		})
		It("should not create anything", func() {
			Expect(err).To(HaveOccurred())
			Expect(jobQueue.messages).To(BeEmpty())
		})
	})
})

var _ = Describe("ResultHandler", func() {
	var runID string

	BeforeEach(func() {
		jobQueue.messages = nil
		var err error
		runID, err = wf.CreateRun(ctx, newRequest("T1"))
		Expect(err).NotTo(HaveOccurred())
		jobQueue.messages = nil
	})

	finishChunks := func(indices ...int) {
		for _, i := range indices {
			Expect(wf.ResultHandler(ctx, chunkResult(runID, "T1", i, common.StatusDONE))).To(Succeed())
		}
	}

	runStatus := func() common.Status {
		run, err := wf.Run(ctx, runID)
		Expect(err).NotTo(HaveOccurred())
		return run.Status
	}

	Context("when all the chunks are done", func() {
		BeforeEach(func() {
			finishChunks(0, 1, 2, 3)
		})
		It("should publish the assembly", func() {
			jobs := publishedJobs()
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Type).To(Equal(common.JobTypeAssemble))
			Expect(jobs[0].Assemble.RunID).To(Equal(runID))
			Expect(jobs[0].Assemble.Chunks).To(Equal(map[string]int{"T1": 4}))
			Expect(jobs[0].Assemble.Name).To(Equal("featuremap.tif"))
			Expect(runStatus()).To(Equal(common.StatusPENDING))
		})
		It("should ignore a duplicate result", func() {
			finishChunks(3)
			Expect(jobQueue.messages).To(HaveLen(1))
		})
		It("should finish the run when the assembly is done", func() {
			Expect(wf.ResultHandler(ctx, assembleResult(runID, common.StatusDONE))).To(Succeed())
			Expect(runStatus()).To(Equal(common.StatusDONE))
		})
		It("should retry the assembly once", func() {
			jobQueue.messages = nil
			Expect(wf.ResultHandler(ctx, assembleResult(runID, common.StatusRETRY))).To(Succeed())
			Expect(publishedJobs()).To(HaveLen(1))
			Expect(runStatus()).To(Equal(common.StatusPENDING))

			Expect(wf.ResultHandler(ctx, assembleResult(runID, common.StatusRETRY))).To(Succeed())
			Expect(publishedJobs()).To(HaveLen(1))
			Expect(runStatus()).To(Equal(common.StatusRETRY))

			nbChunks, assemble, err := wf.RetryRun(ctx, runID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(nbChunks).To(Equal(0))
			Expect(assemble).To(BeTrue())
			Expect(publishedJobs()).To(HaveLen(2))
			Expect(runStatus()).To(Equal(common.StatusPENDING))
		})
	})

	Context("when some chunks are not done", func() {
		BeforeEach(func() {
			finishChunks(0, 2)
		})
		It("should not publish the assembly", func() {
			Expect(jobQueue.messages).To(BeEmpty())
			Expect(runStatus()).To(Equal(common.StatusNEW))
		})
	})

	Context("when a chunk must be retried", func() {
		BeforeEach(func() {
			Expect(wf.ResultHandler(ctx, chunkResult(runID, "T1", 1, common.StatusRETRY))).To(Succeed())
		})
		It("should publish the chunk again while the countdown allows it", func() {
			jobs := publishedJobs()
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Chunk.Tile).To(Equal("T1"))
			Expect(jobs[0].Chunk.Index).To(Equal(1))
			c, err := wf.Chunk(ctx, runID, "T1", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status).To(Equal(common.StatusPENDING))
			Expect(c.RetryCountDown).To(Equal(0))
		})
		It("should set the chunk RETRY when the countdown is over", func() {
			Expect(wf.ResultHandler(ctx, chunkResult(runID, "T1", 1, common.StatusRETRY))).To(Succeed())
			Expect(publishedJobs()).To(HaveLen(1))
			c, err := wf.Chunk(ctx, runID, "T1", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status).To(Equal(common.StatusRETRY))
			Expect(c.Message).To(Equal("msg"))

			nbChunks, assemble, err := wf.RetryRun(ctx, runID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(nbChunks).To(Equal(1))
			Expect(assemble).To(BeFalse())
			Expect(publishedJobs()).To(HaveLen(2))
		})
	})

	Context("when a chunk fails", func() {
		BeforeEach(func() {
			finishChunks(0, 1, 2)
			Expect(wf.ResultHandler(ctx, chunkResult(runID, "T1", 3, common.StatusFAILED))).To(Succeed())
		})
		It("should fail the run", func() {
			run, err := wf.Run(ctx, runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(run.Status).To(Equal(common.StatusFAILED))
			Expect(run.Message).To(ContainSubstring("chunk T1_3 failed"))
			Expect(jobQueue.messages).To(BeEmpty())
		})
		It("should assemble the run once the chunk is forced and done", func() {
			done, err := wf.UpdateChunkStatus(ctx, runID, "T1", 3, common.StatusPENDING, nil, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(done).To(BeTrue())
			Expect(runStatus()).To(Equal(common.StatusNEW))

			finishChunks(3)
			jobs := publishedJobs()
			Expect(jobs).To(HaveLen(2))
			Expect(jobs[0].Type).To(Equal(common.JobTypeChunk))
			Expect(jobs[1].Type).To(Equal(common.JobTypeAssemble))
			Expect(runStatus()).To(Equal(common.StatusPENDING))
		})
	})

	Context("with an unknown chunk", func() {
		It("should be ignored", func() {
			Expect(wf.ResultHandler(ctx, chunkResult(runID, "T9", 0, common.StatusDONE))).To(Succeed())
			Expect(wf.ResultHandler(ctx, assembleResult("unknown", common.StatusDONE))).To(Succeed())
			Expect(jobQueue.messages).To(BeEmpty())
		})
	})

	Context("with an unknown result type", func() {
		It("should return an error", func() {
			Expect(wf.ResultHandler(ctx, common.Result{Type: "unknown", RunID: runID})).NotTo(Succeed())
		})
	})
})

var _ = Describe("Handler", func() {
	var server *httptest.Server

	BeforeEach(func() {
		jobQueue.messages = nil
		server = httptest.NewServer(wf.NewHandler())
	})

	AfterEach(func() {
		server.Close()
	})

	createRun := func(body string) (*http.Response, string) {
		resp, err := http.Post(server.URL+"/runs", "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		res := struct {
			ID string `json:"id"`
		}{}
		if resp.StatusCode == 201 {
			Expect(json.NewDecoder(resp.Body).Decode(&res)).To(Succeed())
		}
		return resp, res.ID
	}

	It("should create and describe a run", func() {
		body, err := json.Marshal(newRequest("T1"))
		Expect(err).NotTo(HaveOccurred())
		resp, id := createRun(string(body))
		Expect(resp.StatusCode).To(Equal(201))
		Expect(id).NotTo(BeEmpty())

		resp, err = http.Get(server.URL + "/runs/" + id)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
		status := workflow.RunStatus{}
		Expect(json.NewDecoder(resp.Body).Decode(&status)).To(Succeed())
		Expect(status.ID).To(Equal(id))
		Expect(status.Status).To(Equal(common.StatusNEW))
		Expect(status.Chunks.Pending).To(Equal(int64(4)))

		resp, err = http.Get(fmt.Sprintf("%s/runs/%s/chunks/PENDING", server.URL, id))
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
		var chunks []db.Chunk
		Expect(json.NewDecoder(resp.Body).Decode(&chunks)).To(Succeed())
		Expect(chunks).To(HaveLen(4))
	})

	It("should reject an invalid run", func() {
		resp, _ := createRun(`{"tiles":[]}`)
		Expect(resp.StatusCode).To(Equal(400))
		resp, _ = createRun(`{"unknown_field":1}`)
		Expect(resp.StatusCode).To(Equal(400))
	})

	It("should return 404 for an unknown run", func() {
		resp, err := http.Get(server.URL + "/runs/unknown")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(404))
	})

	It("should plan a tile as GeoJSON", func() {
		resp, err := http.Get(server.URL + "/plan?tile=T1&width=100&height=50&mode=by-size&chunk_width=50&chunk_height=50")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(200))
		Expect(resp.Header.Get("Content-Type")).To(Equal("application/geo+json"))
		fc := struct {
			Type     string `json:"type"`
			Features []struct {
				Properties map[string]interface{} `json:"properties"`
			} `json:"features"`
		}{}
		Expect(json.NewDecoder(resp.Body).Decode(&fc)).To(Succeed())
		Expect(fc.Type).To(Equal("FeatureCollection"))
		Expect(fc.Features).To(HaveLen(2))
		Expect(fc.Features[1].Properties).To(HaveKeyWithValue("x", float64(50)))
	})

	It("should reject an invalid plan", func() {
		resp, err := http.Get(server.URL + "/plan?width=100&height=50&mode=by-count&count=0")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(400))
	})
})
