package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lorekeeper/lorekeeper/internal/detect"
	"github.com/lorekeeper/lorekeeper/internal/merge"
	"github.com/lorekeeper/lorekeeper/internal/store"
)

func newTestServer(t *testing.T) (*http.ServeMux, *store.Store) {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, mux := NewServer(ServerConfig{
		Store:    s,
		Executor: merge.NewExecutor(s),
		Detector: detect.NewEngine(s, 0),
	})
	return mux, s
}

func seed(t *testing.T, s *store.Store, e *store.Entity) *store.Entity {
	t.Helper()
	if e.Confidence == 0 {
		e.Confidence = 0.8
	}
	if e.Tier == "" {
		e.Tier = store.TierPrimary
	}
	if err := s.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("creating entity %q: %v", e.PrimaryName, err)
	}
	return e
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	out := map[string]json.RawMessage{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return w, out
}

func envelopeOf(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope %q: %v", w.Body.String(), err)
	}
	return env
}

func TestDashboardEmpty(t *testing.T) {
	mux, _ := newTestServer(t)

	w, out := doJSON(t, mux, http.MethodGet, "/entity-resolution/dashboard", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// Empty collections serialize as [], never null.
	for _, key := range []string{"entities", "conflicts", "merge_history"} {
		raw, ok := out[key]
		if !ok {
			t.Errorf("missing %q in dashboard payload", key)
			continue
		}
		if string(raw) == "null" {
			t.Errorf("%q is null, want []", key)
		}
	}
}

func TestEntitiesTierFlags(t *testing.T) {
	mux, s := newTestServer(t)

	seed(t, s, &store.Entity{PrimaryName: "Marisol", EntityType: store.TypeCharacter, Tier: store.TierPrimary})
	seed(t, s, &store.Entity{PrimaryName: "Dr. Okafor", EntityType: store.TypePerson, Tier: store.TierSecondary})
	seed(t, s, &store.Entity{PrimaryName: "that place", EntityType: store.TypeEntity, Tier: store.TierTertiary})

	count := func(path string) int {
		t.Helper()
		_, out := doJSON(t, mux, http.MethodGet, path, nil)
		var entities []json.RawMessage
		if err := json.Unmarshal(out["entities"], &entities); err != nil {
			t.Fatalf("decoding entities: %v", err)
		}
		return len(entities)
	}

	if n := count("/entity-resolution/entities"); n != 1 {
		t.Errorf("default list = %d entities, want primary only", n)
	}
	// Bare flags (no value) count as true.
	if n := count("/entity-resolution/entities?include_secondary"); n != 2 {
		t.Errorf("include_secondary = %d entities, want 2", n)
	}
	if n := count("/entity-resolution/entities?include_secondary=true&include_tertiary=true"); n != 3 {
		t.Errorf("all tiers = %d entities, want 3", n)
	}
	if n := count("/entity-resolution/entities?include_secondary=false"); n != 1 {
		t.Errorf("include_secondary=false = %d entities, want 1", n)
	}
}

func TestMergeEndpoint(t *testing.T) {
	mux, s := newTestServer(t)
	ctx := context.Background()

	source := seed(t, s, &store.Entity{PrimaryName: "Jon", EntityType: store.TypeCharacter})
	target := seed(t, s, &store.Entity{PrimaryName: "John", EntityType: store.TypeCharacter})

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/merge", map[string]string{
		"source_id": source.ID,
		"target_id": target.ID,
		"reason":    "same person",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	env := envelopeOf(t, w)
	if !env.Success {
		t.Fatalf("success = false: %s", env.Message)
	}

	gone, err := s.GetEntity(ctx, source.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if gone.Live() {
		t.Error("merge endpoint did not tombstone the source")
	}
}

func TestMergeEndpointErrorMapping(t *testing.T) {
	mux, s := newTestServer(t)

	a := seed(t, s, &store.Entity{PrimaryName: "Jon", EntityType: store.TypeCharacter})

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown entity", map[string]string{"source_id": "no-such-id", "target_id": a.ID}, http.StatusNotFound},
		{"self pair", map[string]string{"source_id": a.ID, "target_id": a.ID}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/merge", tc.body)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			env := envelopeOf(t, w)
			if env.Success {
				t.Error("success = true on failure")
			}
			if env.Message == "" {
				t.Error("failure envelope missing message")
			}
		})
	}
}

func TestMergeEndpointStaleReference(t *testing.T) {
	mux, s := newTestServer(t)

	a := seed(t, s, &store.Entity{PrimaryName: "Jon", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "John", EntityType: store.TypeCharacter})
	c := seed(t, s, &store.Entity{PrimaryName: "Johnny", EntityType: store.TypeCharacter})

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/merge", map[string]string{
		"source_id": a.ID, "target_id": b.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("first merge status = %d", w.Code)
	}

	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/merge", map[string]string{
		"source_id": a.ID, "target_id": c.ID,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("stale merge status = %d, want 409", w.Code)
	}
}

func TestRevertEndpoint(t *testing.T) {
	mux, s := newTestServer(t)

	a := seed(t, s, &store.Entity{PrimaryName: "Jon", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "John", EntityType: store.TypeCharacter})

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/merge", map[string]string{
		"source_id": a.ID, "target_id": b.ID,
	})
	env := envelopeOf(t, w)
	var rec store.MergeRecord
	if err := json.Unmarshal(mustRaw(t, env.Data), &rec); err != nil {
		t.Fatalf("decoding merge record: %v", err)
	}

	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/revert-merge/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revert status = %d body = %s", w.Code, w.Body.String())
	}

	// Reverting again is a 409.
	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/revert-merge/"+rec.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double revert status = %d, want 409", w.Code)
	}

	// Unknown record is 404.
	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/revert-merge/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown record status = %d, want 404", w.Code)
	}
}

func TestEditEndpoint(t *testing.T) {
	mux, s := newTestServer(t)

	e := seed(t, s, &store.Entity{PrimaryName: "Marisol", EntityType: store.TypeCharacter})

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/edit", map[string]any{
		"entity_id":   e.ID,
		"entity_type": "character",
		"updates":     map[string]any{"name": "Marisol Vega", "aliases": []string{"Mari"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("edit status = %d body = %s", w.Code, w.Body.String())
	}

	got, err := s.GetEntity(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.PrimaryName != "Marisol Vega" {
		t.Errorf("primary name = %q", got.PrimaryName)
	}

	// Declared type must match the stored one.
	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/edit", map[string]any{
		"entity_id":   e.ID,
		"entity_type": "location",
		"updates":     map[string]any{"name": "Elsewhere"},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("type mismatch status = %d, want 400", w.Code)
	}
}

func TestDismissEndpoint(t *testing.T) {
	mux, s := newTestServer(t)
	ctx := context.Background()

	a := seed(t, s, &store.Entity{PrimaryName: "Jon", EntityType: store.TypeCharacter})
	b := seed(t, s, &store.Entity{PrimaryName: "John", EntityType: store.TypeCharacter})
	id, _, err := s.UpsertOpenConflict(ctx, &store.Conflict{
		EntityA: a.ID, EntityB: b.ID,
		EntityAType: store.TypeCharacter, EntityBType: store.TypeCharacter,
		Similarity: 0.9, Reason: store.ReasonNameSimilarity,
	})
	if err != nil {
		t.Fatalf("upserting conflict: %v", err)
	}

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/conflicts/"+id+"/dismiss", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dismiss status = %d", w.Code)
	}

	w, _ = doJSON(t, mux, http.MethodPost, "/entity-resolution/conflicts/"+id+"/dismiss", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("double dismiss status = %d, want 409", w.Code)
	}
}

func TestDetectEndpoint(t *testing.T) {
	mux, s := newTestServer(t)

	seed(t, s, &store.Entity{PrimaryName: "John Smith", EntityType: store.TypeCharacter})
	seed(t, s, &store.Entity{PrimaryName: "Jon Smith", EntityType: store.TypeCharacter})

	w, _ := doJSON(t, mux, http.MethodPost, "/entity-resolution/detect", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detect status = %d", w.Code)
	}
	env := envelopeOf(t, w)
	var report detect.Report
	if err := json.Unmarshal(mustRaw(t, env.Data), &report); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if report.Created != 1 {
		t.Errorf("report = %+v, want 1 conflict created", report)
	}

	_, out := doJSON(t, mux, http.MethodGet, "/entity-resolution/conflicts", nil)
	var conflicts []store.Conflict
	if err := json.Unmarshal(out["conflicts"], &conflicts); err != nil {
		t.Fatalf("decoding conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("expected 1 open conflict, got %d", len(conflicts))
	}
}

func TestInvalidBody(t *testing.T) {
	mux, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/entity-resolution/merge", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}

// mustRaw round-trips envelope.Data (decoded as any) back to JSON for typed
// unmarshaling.
func mustRaw(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("re-encoding data: %v", err)
	}
	return raw
}
