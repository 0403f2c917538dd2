package control

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadorp/logpipe/pkg/cfgtree"
	"github.com/nadorp/logpipe/pkg/pipe"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return l
}

type fakeSwapper struct {
	swapped *pipe.Arena
}

func (f *fakeSwapper) Swap(arena *pipe.Arena) { f.swapped = arena }

func do(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := New(":0", nil, nil, testLogger())
	rec := do(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleReload_SuccessSwapsArenaAndIncrementsStats(t *testing.T) {
	swapper := &fakeSwapper{}
	reload := func() (*cfgtree.CfgTree, error) {
		return cfgtree.NewCfgTree(), nil
	}
	s := New(":0", reload, swapper, testLogger())

	rec := do(t, s, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, swapper.swapped)
	assert.Equal(t, int64(1), s.reloads)
	assert.Equal(t, int64(0), s.failures)
}

func TestHandleReload_BuildFailureIncrementsFailures(t *testing.T) {
	reload := func() (*cfgtree.CfgTree, error) {
		return nil, assert.AnError
	}
	s := New(":0", reload, &fakeSwapper{}, testLogger())

	rec := do(t, s, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), s.failures)
}

func TestHandleReload_CompileFailureIncrementsFailures(t *testing.T) {
	reload := func() (*cfgtree.CfgTree, error) {
		tree := cfgtree.NewCfgTree()
		tree.AddRule(&cfgtree.LogExprNode{
			Layout:  cfgtree.LayoutSequence,
			Content: cfgtree.ContentPipe,
			Children: []*cfgtree.LogExprNode{
				{Layout: cfgtree.LayoutReference, Content: cfgtree.ContentSource, Name: "ghost"},
			},
		})
		return tree, nil
	}
	s := New(":0", reload, &fakeSwapper{}, testLogger())

	rec := do(t, s, http.MethodPost, "/reload")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int64(1), s.failures)
}

func TestHandleStats_ReportsJSONCounts(t *testing.T) {
	s := New(":0", nil, nil, testLogger())
	s.reloads = 3
	s.failures = 1

	rec := do(t, s, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reloads":3,"failures":1}`, rec.Body.String())
}

func TestStartStop(t *testing.T) {
	s := New("127.0.0.1:0", nil, nil, testLogger())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
