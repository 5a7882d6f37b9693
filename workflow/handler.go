package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/airbusgeo/geocube-featuremap/chunk"
	"github.com/airbusgeo/geocube-featuremap/common"
	db "github.com/airbusgeo/geocube-featuremap/interface/database"
	"github.com/airbusgeo/geocube-featuremap/service"
	"github.com/airbusgeo/geocube-featuremap/service/log"
	"github.com/gorilla/mux"
)

func (wf *Workflow) NewHandler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/plan", PlanHandler).Methods("GET")
	r.HandleFunc("/runs", wf.CreateRunHandler).Methods("POST")
	r.HandleFunc("/runs", wf.ListRunsHandler).Methods("GET")
	r.HandleFunc("/runs/{run}", wf.GetRunHandler).Methods("GET")
	r.HandleFunc("/runs/{run}", wf.DeleteRunHandler).Methods("DELETE")
	r.HandleFunc("/runs/{run}/chunks", wf.ListChunksHandler).Methods("GET")
	r.HandleFunc("/runs/{run}/chunks/{status}", wf.ListChunksHandler).Methods("GET")
	r.HandleFunc("/runs/{run}/chunk/{tile}/{index}", wf.GetChunkHandler).Methods("GET")
	r.HandleFunc("/runs/{run}/chunk/{tile}/{index}/force/{status}", wf.ForceChunkStatusHandler).Methods("PUT")
	r.HandleFunc("/runs/{run}/force/{status}", wf.ForceRunStatusHandler).Methods("PUT")
	r.HandleFunc("/runs/{run}/retry", wf.RetryRunHandler).Methods("PUT")
	r.HandleFunc("/runs/{run}/retry/{force}", wf.RetryRunHandler).Methods("PUT")
	return r
}

func ifElse(cond bool, valtrue, valfalse int) int {
	if cond {
		return valtrue
	}
	return valfalse
}

// writeError writes the status code corresponding to the error
func writeError(w http.ResponseWriter, req *http.Request, op string, err error) {
	switch {
	case errors.As(err, &db.ErrNotFound{}):
		w.WriteHeader(404)
	case errors.As(err, &db.ErrAlreadyExists{}):
		w.WriteHeader(409)
	case errors.As(err, &ValidationError{}):
		w.WriteHeader(400)
	default:
		log.Logger(req.Context()).Sugar().Warnf("wf.%s: %v", op, err)
		w.WriteHeader(500)
	}
	fmt.Fprintf(w, "%v", err)
}

// RunStatus is the status of a run and of its chunks
type RunStatus struct {
	db.Run
	Chunks db.Status `json:"chunks"`
}

// CreateRunHandler plans and starts a new run
func (wf *Workflow) CreateRunHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	run := common.RunRequest{}
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&run); err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}
	id, err := wf.CreateRun(ctx, run)
	if err != nil {
		writeError(w, req, "CreateRunHandler", err)
		return
	}
	w.WriteHeader(201)
	json.NewEncoder(w).Encode(struct {
		ID string `json:"id"`
	}{id})
}

// ListRunsHandler lists the runs (optional query parameters: pattern, page, limit)
func (wf *Workflow) ListRunsHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil {
		limit = 100
	}
	runs, err := wf.Runs(ctx, q.Get("pattern"), page, limit)
	if err != nil {
		writeError(w, req, "ListRunsHandler", err)
		return
	}
	json.NewEncoder(w).Encode(runs)
}

// GetRunHandler retrieves a run and the status of its chunks
func (wf *Workflow) GetRunHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	id := mux.Vars(req)["run"]
	run, err := wf.Run(ctx, id)
	if err != nil {
		writeError(w, req, "GetRunHandler", err)
		return
	}
	status, err := wf.ChunksStatus(ctx, id)
	if err != nil {
		writeError(w, req, "GetRunHandler", err)
		return
	}
	json.NewEncoder(w).Encode(RunStatus{Run: run, Chunks: status})
}

// DeleteRunHandler deletes a run and its chunks from the database (not the rasters)
func (wf *Workflow) DeleteRunHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if err := wf.DeleteRun(ctx, mux.Vars(req)["run"]); err != nil {
		writeError(w, req, "DeleteRunHandler", err)
		return
	}
	w.WriteHeader(204)
}

// ListChunksHandler lists the chunks of the run
// If status is provided, filter only the chunks with the given status
func (wf *Workflow) ListChunksHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	vars := mux.Vars(req)
	if status := vars["status"]; status != "" {
		if _, err := common.StatusString(status); err != nil {
			w.WriteHeader(400)
			fmt.Fprintf(w, "%v", err)
			return
		}
	}
	chunks, err := wf.Chunks(ctx, vars["run"], vars["status"], 0, -1)
	if err != nil {
		writeError(w, req, "ListChunksHandler", err)
		return
	}
	json.NewEncoder(w).Encode(chunks)
}

func chunkVars(req *http.Request) (string, string, int, error) {
	vars := mux.Vars(req)
	index, err := strconv.Atoi(vars["index"])
	return vars["run"], vars["tile"], index, err
}

// GetChunkHandler retrieves a chunk
func (wf *Workflow) GetChunkHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	run, tile, index, err := chunkVars(req)
	if err != nil {
		w.WriteHeader(400)
		return
	}
	c, err := wf.Chunk(ctx, run, tile, index)
	if err != nil {
		writeError(w, req, "GetChunkHandler", err)
		return
	}
	json.NewEncoder(w).Encode(c)
}

// ForceChunkStatusHandler sets the chunk status and updates the run
func (wf *Workflow) ForceChunkStatusHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	status, err := common.StatusString(mux.Vars(req)["status"])
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}
	run, tile, index, err := chunkVars(req)
	if err != nil {
		w.WriteHeader(400)
		return
	}
	done, err := wf.UpdateChunkStatus(ctx, run, tile, index, status, nil, true)
	if err != nil {
		writeError(w, req, "ForceChunkStatusHandler", err)
		return
	}
	w.WriteHeader(ifElse(done, 200, 403))
}

// ForceRunStatusHandler sets the status of the assembly of the run
func (wf *Workflow) ForceRunStatusHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	status, err := common.StatusString(mux.Vars(req)["status"])
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}
	done, err := wf.UpdateRunStatus(ctx, mux.Vars(req)["run"], status, nil, true)
	if err != nil {
		writeError(w, req, "ForceRunStatusHandler", err)
		return
	}
	w.WriteHeader(ifElse(done, 200, 403))
}

// RetryRunHandler retries all the chunks (and the assembly) with the status 'RETRY' (and also 'PENDING' if force=true)
func (wf *Workflow) RetryRunHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	force := mux.Vars(req)["force"] == "force"
	nbChunks, assemble, err := wf.RetryRun(ctx, mux.Vars(req)["run"], force)
	if err != nil {
		writeError(w, req, "RetryRunHandler", err)
		return
	}
	if nbChunks == 0 && !assemble {
		w.WriteHeader(204)
		return
	}
	json.NewEncoder(w).Encode(struct {
		Chunks   int  `json:"chunks"`
		Assemble bool `json:"assemble"`
	}{nbChunks, assemble})
}

// PlanHandler returns the chunks of a tile as GeoJSON footprints.
// Query parameters: width, height, mode (by-count|by-size), count, chunk_width, chunk_height
// and optionally the geotransform of the tile: origin_x, origin_y, pixel_size_x, pixel_size_y
func PlanHandler(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	intParam := func(name string) int {
		v, _ := strconv.Atoi(q.Get(name))
		return v
	}
	floatParam := func(name string, def float64) float64 {
		if v, err := strconv.ParseFloat(q.Get(name), 64); err == nil {
			return v
		}
		return def
	}

	var policy chunk.Policy
	switch q.Get("mode") {
	case "", "by-count":
		policy = chunk.ByCount(intParam("count"))
	case "by-size":
		policy = chunk.BySize(intParam("chunk_width"), intParam("chunk_height"))
	default:
		w.WriteHeader(400)
		fmt.Fprintf(w, "unknown mode %s (must be one of by-count, by-size)", q.Get("mode"))
		return
	}
	tile := common.Tile{
		Name: q.Get("tile"),
		Extent: common.Extent{
			OriginX:    floatParam("origin_x", 0),
			OriginY:    floatParam("origin_y", 0),
			PixelSizeX: floatParam("pixel_size_x", 1),
			PixelSizeY: floatParam("pixel_size_y", -1),
			Width:      intParam("width"),
			Height:     intParam("height"),
		},
	}
	chunks, err := chunk.PlanTile(tile, policy)
	if err != nil {
		w.WriteHeader(400)
		fmt.Fprintf(w, "%v", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	json.NewEncoder(w).Encode(service.FeatureCollection(Footprints(tile, chunks)))
}

// Footprints returns the footprints of the chunks of the tile
func Footprints(tile common.Tile, chunks []common.Chunk) []service.Footprint {
	footprints := make([]service.Footprint, len(chunks))
	for i, c := range chunks {
		footprints[i] = service.Footprint{
			Polygon: c.Extent(tile.Extent).Polygon(),
			Properties: map[string]interface{}{
				"tile":   c.Tile,
				"index":  c.Index,
				"x":      c.X,
				"y":      c.Y,
				"width":  c.Width,
				"height": c.Height,
			},
		}
	}
	return footprints
}
