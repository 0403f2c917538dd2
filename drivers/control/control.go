// Package control exposes a minimal HTTP control surface: a reload
// endpoint that recompiles a configuration tree and atomically swaps
// the dispatch runtime's arena, plus health and stats endpoints.
package control

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/nadorp/logpipe/pkg/cfgtree"
	"github.com/nadorp/logpipe/pkg/pipe"
)

// ArenaSwapper is implemented by whatever holds the dispatch runtime's
// live arena; Swap is called after a successful recompile.
type ArenaSwapper interface {
	Swap(arena *pipe.Arena)
}

// Reloader builds a *cfgtree.CfgTree from the current on-disk
// configuration. It's injected so this package stays decoupled from
// config file formats.
type Reloader func() (*cfgtree.CfgTree, error)

// Server is the control HTTP surface.
type Server struct {
	server   *http.Server
	logger   *logrus.Logger
	reload   Reloader
	swapper  ArenaSwapper
	reloads  int64
	failures int64
}

// New builds a control Server listening on addr.
func New(addr string, reload Reloader, swapper ArenaSwapper, logger *logrus.Logger) *Server {
	s := &Server{logger: logger, reload: reload, swapper: swapper}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	tree, err := s.reload()
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		s.logger.WithError(err).Warn("control: reload failed to build configuration tree")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	arena, err := cfgtree.Compile(tree)
	if err != nil {
		atomic.AddInt64(&s.failures, 1)
		s.logger.WithError(err).Warn("control: reload failed to compile configuration")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.swapper.Swap(arena)
	atomic.AddInt64(&s.reloads, 1)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("reloaded"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int64{
		"reloads":  atomic.LoadInt64(&s.reloads),
		"failures": atomic.LoadInt64(&s.failures),
	})
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting control server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("control server error")
		}
	}()
	return nil
}

// Stop shuts the control server down.
func (s *Server) Stop() error {
	return s.server.Close()
}
