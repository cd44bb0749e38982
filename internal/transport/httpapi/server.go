// Package httpapi is the one concrete realisation of the boundary
// described in the engine's external interfaces: a small JSON-over-HTTP
// surface that deserialises a request, calls internal/router, and
// serialises the reply or error. It carries no validation or cache logic
// of its own; that lives entirely in router.Router. spec.md scopes the
// real RPC transport out as an external collaborator — this module exists
// only so the service is runnable at all, and is not meant to be the final
// word on wire protocol.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/objcache/filecached/internal/buildinfo"
	"github.com/objcache/filecached/internal/engine"
	"github.com/objcache/filecached/internal/router"
)

// Server adapts router.Router onto net/http.
type Server struct {
	router *router.Router
	log    *slog.Logger
	mux    *http.ServeMux
}

// New builds the HTTP mux for every boundary operation.
func New(r *router.Router, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{router: r, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/types", s.defineType)
	s.mux.HandleFunc("PATCH /v1/types/{name}", s.changeType)
	s.mux.HandleFunc("DELETE /v1/types/{name}", s.deleteType)
	s.mux.HandleFunc("GET /v1/types/{name}", s.describeType)
	s.mux.HandleFunc("GET /v1/types", s.getCacheTypes)

	s.mux.HandleFunc("POST /v1/objects", s.insertCacheObject)
	s.mux.HandleFunc("POST /v1/objects/resize", s.resizeCacheObject)
	s.mux.HandleFunc("DELETE /v1/objects", s.expireCacheObject)
	s.mux.HandleFunc("POST /v1/objects/subscribe", s.subscribeCacheObject)
	s.mux.HandleFunc("POST /v1/objects/touch", s.touchCacheObject)
	s.mux.HandleFunc("POST /v1/objects/copy", s.copyCacheObject)
	s.mux.HandleFunc("GET /v1/objects/size", s.getCacheObjectSize)
	s.mux.HandleFunc("GET /v1/objects/filename", s.getCacheObjectFilename)

	s.mux.HandleFunc("GET /v1/status", s.getCacheStatus)
	s.mux.HandleFunc("GET /v1/version", s.getVersion)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("encode response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Configuration", "message": err.Error(),
		})
		return
	}
	s.writeJSON(w, statusForKind(engErr.Kind), map[string]string{
		"error": engErr.Kind.String(), "message": engErr.Reason,
	})
}

func statusForKind(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindInvalidParams, engine.KindArgument:
		return http.StatusBadRequest
	case engine.KindExists:
		return http.StatusNotFound
	case engine.KindInUse:
		return http.StatusConflict
	case engine.KindPerm:
		return http.StatusForbidden
	default: // Define, Change, Delete, Resize, Copy, Configuration, Directory
		return http.StatusInternalServerError
	}
}

func callerFromRequest(r *http.Request) router.Caller {
	return router.Caller{
		Privileged: r.Header.Get("X-Filecached-Privileged") == "true",
		ID:         r.Header.Get("X-Filecached-Caller"),
	}
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": buildinfo.Version})
}

func (s *Server) getCacheStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.GetCacheStatus())
}

func (s *Server) getCacheTypes(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"types": s.router.GetCacheTypes()})
}

type defineTypeRequest struct {
	TypeName        string `json:"typeName"`
	LoWatermark     int64  `json:"loWatermark"`
	HiWatermark     int64  `json:"hiWatermark"`
	Size            int64  `json:"size"`
	Cost            int    `json:"cost"`
	Lifetime        int64  `json:"lifetime"`
	DirType         bool   `json:"dirType"`
}

func (s *Server) defineType(w http.ResponseWriter, r *http.Request) {
	var req defineTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	params := engine.CacheTypeParams{
		LoWatermark: req.LoWatermark, HiWatermark: req.HiWatermark,
		DefaultSize: req.Size, DefaultCost: req.Cost, DefaultLifetime: req.Lifetime,
	}
	if err := s.router.DefineType(callerFromRequest(r), req.TypeName, params, req.DirType); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) changeType(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req defineTypeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	params := engine.CacheTypeParams{
		LoWatermark: req.LoWatermark, HiWatermark: req.HiWatermark,
		DefaultSize: req.Size, DefaultCost: req.Cost, DefaultLifetime: req.Lifetime,
	}
	if err := s.router.ChangeType(name, params); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) deleteType(w http.ResponseWriter, r *http.Request) {
	freed, err := s.router.DeleteType(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"freedSpace": freed})
}

func (s *Server) describeType(w http.ResponseWriter, r *http.Request) {
	status, err := s.router.DescribeType(r.PathValue("name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type insertRequest struct {
	TypeName  string `json:"typeName"`
	FileName  string `json:"fileName"`
	Size      int64  `json:"size"`
	Cost      int    `json:"cost"`
	Lifetime  int64  `json:"lifetime"`
	Subscribe bool   `json:"subscribe"`
}

func (s *Server) insertCacheObject(w http.ResponseWriter, r *http.Request) {
	var req insertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	result, err := s.router.InsertCacheObject(req.TypeName, req.FileName, req.Size, req.Cost, req.Lifetime, req.Subscribe)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

type pathRequest struct {
	PathName string `json:"pathName"`
	NewSize  int64  `json:"newSize,omitempty"`
}

func (s *Server) resizeCacheObject(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	newSize, err := s.router.ResizeCacheObject(req.PathName, req.NewSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"newSize": newSize})
}

func (s *Server) expireCacheObject(w http.ResponseWriter, r *http.Request) {
	pathName := r.URL.Query().Get("path")
	if err := s.router.ExpireCacheObject(pathName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// subscribeCacheObject holds the connection open until the client
// disconnects, then cancels the subscription: the simplest faithful
// mapping of "subscription lives until the caller goes away" onto a
// stateless transport.
func (s *Server) subscribeCacheObject(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	sub, err := s.router.SubscribeCacheObject(req.PathName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"subscribed": true, "pathName": sub.PathName})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
}

func (s *Server) touchCacheObject(w http.ResponseWriter, r *http.Request) {
	var req pathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	if err := s.router.TouchCacheObject(req.PathName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type copyRequest struct {
	PathName    string `json:"pathName"`
	Destination string `json:"destination"`
	FileName    string `json:"fileName,omitempty"`
}

func (s *Server) copyCacheObject(w http.ResponseWriter, r *http.Request) {
	var req copyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &engine.Error{Kind: engine.KindInvalidParams, Reason: "malformed body"})
		return
	}
	result, err := s.router.CopyCacheObject(callerFromRequest(r), req.PathName, req.Destination, req.FileName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getCacheObjectSize(w http.ResponseWriter, r *http.Request) {
	size, err := s.router.GetCacheObjectSize(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"size": size})
}

func (s *Server) getCacheObjectFilename(w http.ResponseWriter, r *http.Request) {
	name, err := s.router.GetCacheObjectFilename(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"fileName": name})
}
