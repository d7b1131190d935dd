package orchestrator

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"orchestd/internal/backend"
	"orchestd/internal/download"
	"orchestd/internal/hardware"
	"orchestd/internal/lifecycle"
	"orchestd/internal/memory"
	"orchestd/internal/progress"
	"orchestd/internal/recovery"
	"orchestd/internal/tokenizer"
	"orchestd/internal/validate"
	"orchestd/pkg/types"
)

// ggufFixture builds a minimal parseable GGUF header: magic, v3, zero
// tensors, architecture and tokenizer kv pairs.
func ggufFixture(t *testing.T) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	writeStr := func(s string) {
		_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
		buf.WriteString(s)
	}
	_ = binary.Write(buf, binary.LittleEndian, uint32(0x46554747)) // "GGUF"
	_ = binary.Write(buf, binary.LittleEndian, uint32(3))
	_ = binary.Write(buf, binary.LittleEndian, uint64(0)) // tensors
	_ = binary.Write(buf, binary.LittleEndian, uint64(2)) // kv pairs
	writeStr("general.architecture")
	_ = binary.Write(buf, binary.LittleEndian, uint32(8)) // string
	writeStr("llama")
	writeStr("tokenizer.ggml.model")
	_ = binary.Write(buf, binary.LittleEndian, uint32(8))
	writeStr("gpt2")
	return buf.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// tarGzFixture wraps data as a single-member tar.gz.
func tarGzFixture(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data))}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

type fakeHandle struct {
	initErr  error
	initPath string
	genText  string
	genErr   error
	block    chan struct{} // when set, Generate waits for close
	mem      int64
	cleanups atomic.Int32
}

func (h *fakeHandle) Initialize(ctx context.Context, path string) error {
	h.initPath = path
	return h.initErr
}

func (h *fakeHandle) Generate(ctx context.Context, prompt string, opts types.GenerateOptions) (types.GenerationResult, error) {
	if h.block != nil {
		select {
		case <-h.block:
		case <-ctx.Done():
			return types.GenerationResult{}, ctx.Err()
		}
	}
	if h.genErr != nil {
		return types.GenerationResult{}, h.genErr
	}
	return types.GenerationResult{Text: h.genText, FinishReason: "stop"}, nil
}

func (h *fakeHandle) MemoryUsage() int64 { return h.mem }
func (h *fakeHandle) Cleanup() error     { h.cleanups.Add(1); return nil }

// fakeTokenizer keeps usage tests hermetic; the real BPE encodings fetch
// their vocabularies on first use.
type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string) ([]int, error) { return make([]int, len(text)), nil }
func (fakeTokenizer) Decode(tokens []int) (string, error) {
	return string(make([]byte, len(tokens))), nil
}
func (fakeTokenizer) Count(text string) (int, error) { return len(text), nil }
func (fakeTokenizer) Name() string                   { return "fake" }

type harness struct {
	t         *testing.T
	dir       string
	orc       *Orchestrator
	machine   *lifecycle.Machine
	mem       *memory.Manager
	validator *validate.Validator
}

type harnessOpts struct {
	budget      int64
	maxWait     time.Duration
	queueDepth  int
	catalog     []types.ModelInfo
	descriptors []backend.Descriptor
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	dir := t.TempDir()

	machine := lifecycle.NewMachine()
	registry := backend.NewRegistry()
	for _, d := range opts.descriptors {
		if err := registry.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.Tag, err)
		}
	}

	hw := &hardware.StaticProvider{
		Snap: hardware.Snapshot{
			OS: "linux", Arch: "amd64", CPUCores: 4,
			TotalMemoryBytes:     1 << 33,
			AvailableMemoryBytes: 1 << 32,
			Accelerator:          hardware.AccelNone,
		},
		Free: 1 << 40,
	}

	manifest, err := validate.LoadManifest(filepath.Join(dir, "manifest.json"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	validator := validate.NewValidator(manifest, zerolog.Nop())

	downloads := download.NewManager(download.Config{
		Dir:       dir,
		Retries:   2,
		BaseDelay: time.Millisecond,
		Hardware:  hw,
		Logger:    zerolog.Nop(),
	})

	mem := memory.NewManager(memory.Config{
		BudgetBytes:       opts.budget,
		SlackFactor:       1.0,
		PressureThreshold: 0.85,
		Logger:            zerolog.Nop(),
	}, machine)

	tracker, err := progress.NewTracker(nil, progress.NewHistory(""), zerolog.Nop())
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}

	coord := recovery.NewCoordinator(recovery.Config{
		BaseDelay: time.Millisecond,
		Logger:    zerolog.Nop(),
	})

	tokenizers := tokenizer.NewRegistry()
	tokenizers.Register("gpt2", func(types.ModelInfo) (tokenizer.Tokenizer, error) {
		return fakeTokenizer{}, nil
	})

	maxWait := opts.maxWait
	if maxWait == 0 {
		maxWait = time.Second
	}
	orc, err := New(Config{
		ModelsDir:     dir,
		MaxQueueDepth: opts.queueDepth,
		MaxWait:       maxWait,
		DrainTimeout:  2 * time.Second,
		Logger:        zerolog.Nop(),
	}, Deps{
		Machine:    machine,
		Backends:   registry,
		Downloads:  downloads,
		Validator:  validator,
		Memory:     mem,
		Progress:   tracker,
		Recovery:   coord,
		Hardware:   hw,
		Tokenizers: tokenizers,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	for _, m := range opts.catalog {
		orc.updateCatalog(m)
		if machine.State(m.ID) == lifecycle.StateUninitialized {
			if err := machine.Transition(m.ID, lifecycle.StateDiscovered); err != nil {
				t.Fatalf("seed %s: %v", m.ID, err)
			}
		}
	}
	return &harness{t: t, dir: dir, orc: orc, machine: machine, mem: mem, validator: validator}
}

func ggufDescriptor(tag string, perf float64, factory func() backend.ServiceHandle) backend.Descriptor {
	return backend.Descriptor{
		Tag:            tag,
		Formats:        []types.Format{types.FormatGGUF},
		Accelerator:    hardware.AccelNone,
		Performance:    perf,
		MemoryOverhead: 1.0,
		New:            factory,
	}
}

func TestLoadModel_FullPipeline(t *testing.T) {
	artifact := ggufFixture(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(artifact)
	}))
	defer srv.Close()

	handle := &fakeHandle{genText: "ok", mem: 100}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:             "remote-model",
			Format:         types.FormatGGUF,
			URLs:           []string{srv.URL + "/remote-model.gguf"},
			SHA256:         sha256Hex(artifact),
			EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return handle }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "remote-model", ""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got := h.machine.State("remote-model"); got != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
	if h.mem.UsedBytes() != 100 {
		t.Fatalf("used = %d, want 100", h.mem.UsedBytes())
	}

	m, ok := h.orc.Model("remote-model")
	if !ok || m.Metadata == nil || m.Metadata.Architecture != "llama" {
		t.Fatalf("catalog metadata not captured: %+v", m)
	}
	p, ok := h.orc.Progress("remote-model")
	if !ok || p.Percentage != 100 {
		t.Fatalf("progress = %+v, want 100%%", p)
	}
	if _, ok := h.validator.Manifest().Get("remote-model"); !ok {
		t.Fatalf("manifest entry missing")
	}

	st := h.orc.Status()
	if st.State != "ready" || len(st.Instances) != 1 || st.Instances[0].Backend != "fake" {
		t.Fatalf("status = %+v", st)
	}
}

func TestLoadModel_SecondLoadSkipsDownload(t *testing.T) {
	artifact := ggufFixture(t)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(artifact)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:             "m",
			Format:         types.FormatGGUF,
			URLs:           []string{srv.URL + "/m.gguf"},
			SHA256:         sha256Hex(artifact),
			EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return &fakeHandle{mem: 100} }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("first load: %v", err)
	}
	// Loaded model short-circuits entirely.
	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("second load: %v", err)
	}
	// Unload and load again: the validated artifact is reused, no re-fetch.
	if err := h.orc.UnloadModel("m"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("third load: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestLoadModel_ArchivedModelExtractsAndLoads(t *testing.T) {
	member := ggufFixture(t)
	arch := tarGzFixture(t, "weights/m.gguf", member)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_, _ = w.Write(arch)
	}))
	defer srv.Close()

	handle := &fakeHandle{genText: "ok", mem: 100}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:             "m",
			Format:         types.FormatGGUF,
			URLs:           []string{srv.URL + "/m.tar.gz"},
			SHA256:         sha256Hex(arch), // checksum names the archive
			EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return handle }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got := h.machine.State("m"); got != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	// The backend gets the extracted member file, not the archive or its root.
	if !strings.HasSuffix(handle.initPath, filepath.Join("weights", "m.gguf")) {
		t.Fatalf("initialized with %q, want the extracted member", handle.initPath)
	}
	m, ok := h.orc.Model("m")
	if !ok || m.Format != types.FormatGGUF {
		t.Fatalf("format = %q, want gguf", m.Format)
	}
	if m.Metadata == nil || m.Metadata.Architecture != "llama" {
		t.Fatalf("metadata not captured: %+v", m.Metadata)
	}

	// Unload and reload: the extracted member is reused without refetching.
	if err := h.orc.UnloadModel("m"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
}

func TestLoadModel_CorruptArchiveTriggersRedownload(t *testing.T) {
	member := ggufFixture(t)
	arch := tarGzFixture(t, "m.gguf", member)
	corrupt := append([]byte("garbage"), arch...)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			_, _ = w.Write(corrupt)
			return
		}
		_, _ = w.Write(arch)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:             "m",
			Format:         types.FormatGGUF,
			URLs:           []string{srv.URL + "/m.tar.gz"},
			SHA256:         sha256Hex(arch),
			EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return &fakeHandle{mem: 100} }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if got := h.machine.State("m"); got != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2", n)
	}
}

func TestLoadModel_NoCompatibleBackendFailsBeforeDownload(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:     "m",
			Format: types.FormatGGUF,
			URLs:   []string{srv.URL + "/m.gguf"},
		}},
		descriptors: []backend.Descriptor{{
			Tag:     "onnx-only",
			Formats: []types.Format{types.FormatONNX},
			New:     func() backend.ServiceHandle { return &fakeHandle{} },
		}},
	})

	err := h.orc.LoadModel(context.Background(), "m", "")
	if err == nil || !backend.IsNoCompatibleBackend(err) {
		t.Fatalf("expected no-compatible-backend, got %v", err)
	}
	if n := fetches.Load(); n != 0 {
		t.Fatalf("downloaded despite unserviceable model: %d fetches", n)
	}
	if got := h.machine.State("m"); got != lifecycle.StateDiscovered {
		t.Fatalf("state = %s, want discovered", got)
	}
}

func TestLoadModel_ChecksumMismatchTriggersRedownload(t *testing.T) {
	good := ggufFixture(t)
	corrupt := append([]byte("garbage"), good...)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fetches.Add(1) == 1 {
			_, _ = w.Write(corrupt)
			return
		}
		_, _ = w.Write(good)
	}))
	defer srv.Close()

	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID:             "m",
			Format:         types.FormatGGUF,
			URLs:           []string{srv.URL + "/m.gguf"},
			SHA256:         sha256Hex(good),
			EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return &fakeHandle{mem: 100} }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Fatalf("fetches = %d, want 2 (corrupt then good)", n)
	}
	if got := h.machine.State("m"); got != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestLoadModel_InitFailureSwitchesBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}

	badHandle := &fakeHandle{initErr: os.ErrInvalid}
	goodHandle := &fakeHandle{mem: 100}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			// Higher performance: selected first, fails to initialize.
			ggufDescriptor("flaky", 0.9, func() backend.ServiceHandle { return badHandle }),
			ggufDescriptor("stable", 0.3, func() backend.ServiceHandle { return goodHandle }),
		},
	})

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	inst := h.orc.getInstance("m")
	if inst == nil || inst.backend != "stable" {
		t.Fatalf("expected fallback to stable backend, got %+v", inst)
	}
	if badHandle.cleanups.Load() != 1 {
		t.Fatalf("failed handle not cleaned up")
	}
}

func TestLoadModel_EvictsLRUWhenBudgetExceeded(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"a", "b", "c"} {
		if err := os.WriteFile(filepath.Join(dir, id+".gguf"), ggufFixture(t), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	handles := map[string]*fakeHandle{}
	catalog := make([]types.ModelInfo, 0, 3)
	for _, id := range []string{"a", "b", "c"} {
		handles[id] = &fakeHandle{mem: 100}
		catalog = append(catalog, types.ModelInfo{
			ID: id, Format: types.FormatGGUF,
			LocalPath:      filepath.Join(dir, id+".gguf"),
			EstMemoryBytes: 100,
		})
	}
	var next atomic.Pointer[fakeHandle]
	h := newHarness(t, harnessOpts{
		budget:  250,
		catalog: catalog,
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return next.Load() }),
		},
	})

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		next.Store(handles[id])
		if err := h.orc.LoadModel(ctx, id, ""); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
		time.Sleep(5 * time.Millisecond) // distinct LRU timestamps
	}

	// 3 x 100 bytes in a 250 budget: the oldest idle model must have been
	// evicted to admit "c".
	if got := h.machine.State("a"); got != lifecycle.StateUninitialized {
		t.Fatalf("a state = %s, want uninitialized (evicted)", got)
	}
	if handles["a"].cleanups.Load() != 1 {
		t.Fatalf("evicted handle not cleaned up")
	}
	if h.orc.getInstance("a") != nil {
		t.Fatalf("evicted instance still listed")
	}
	for _, id := range []string{"b", "c"} {
		if got := h.machine.State(id); got != lifecycle.StateReady {
			t.Fatalf("%s state = %s, want ready", id, got)
		}
	}
	if used := h.mem.UsedBytes(); used != 200 {
		t.Fatalf("used = %d, want 200", used)
	}
}

func TestLoadModel_InUseModelNotEvicted(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(dir, id+".gguf"), ggufFixture(t), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	block := make(chan struct{})
	busyHandle := &fakeHandle{mem: 90, block: block, genText: "done"}
	otherHandle := &fakeHandle{mem: 90}
	var next atomic.Pointer[fakeHandle]
	h := newHarness(t, harnessOpts{
		budget: 100,
		catalog: []types.ModelInfo{
			{ID: "a", Format: types.FormatGGUF, LocalPath: filepath.Join(dir, "a.gguf"), EstMemoryBytes: 90},
			{ID: "b", Format: types.FormatGGUF, LocalPath: filepath.Join(dir, "b.gguf"), EstMemoryBytes: 90},
		},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return next.Load() }),
		},
	})

	ctx := context.Background()
	next.Store(busyHandle)
	if err := h.orc.LoadModel(ctx, "a", ""); err != nil {
		t.Fatalf("load a: %v", err)
	}

	genDone := make(chan error, 1)
	go func() {
		_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "a", Prompt: "hi"})
		genDone <- err
	}()
	// Wait for the generation to hold the in-flight slot.
	deadline := time.Now().Add(time.Second)
	for h.orc.getInstance("a") == nil || !h.orc.getInstance("a").busy() {
		if time.Now().After(deadline) {
			t.Fatalf("generation never became busy")
		}
		time.Sleep(time.Millisecond)
	}

	next.Store(otherHandle)
	if err := h.orc.LoadModel(ctx, "b", ""); err == nil {
		t.Fatalf("load b succeeded despite pinned memory")
	}
	if got := h.machine.State("a"); got != lifecycle.StateExecuting {
		t.Fatalf("a state = %s, want executing", got)
	}
	if busyHandle.cleanups.Load() != 0 {
		t.Fatalf("in-use handle cleaned up")
	}

	close(block)
	if err := <-genDone; err != nil {
		t.Fatalf("generation: %v", err)
	}
	if got := h.machine.State("a"); got != lifecycle.StateReady {
		t.Fatalf("a state after generation = %s, want ready", got)
	}
}

func TestGenerate_AutoLoadsAndFillsUsage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle {
				return &fakeHandle{mem: 100, genText: "hello back"}
			}),
		},
	})

	res, err := h.orc.Generate(context.Background(), types.GenerateRequest{Model: "m", Prompt: "say hello"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "hello back" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Usage.TotalTokens == 0 || res.Usage.PromptTokens == 0 {
		t.Fatalf("usage not filled: %+v", res.Usage)
	}
	if got := h.machine.State("m"); got != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", got)
	}
}

func TestGenerate_UnknownModel(t *testing.T) {
	h := newHarness(t, harnessOpts{budget: 1000})
	_, err := h.orc.Generate(context.Background(), types.GenerateRequest{Model: "nope", Prompt: "x"})
	if !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found, got %v", err)
	}
}

func TestGenerate_TooBusyWhenQueueSaturated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	h := newHarness(t, harnessOpts{
		budget:     1000,
		maxWait:    100 * time.Millisecond,
		queueDepth: 1,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle {
				return &fakeHandle{mem: 100, block: block, genText: "ok"}
			}),
		},
	})

	ctx := context.Background()
	if err := h.orc.LoadModel(ctx, "m", ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	genDone := make(chan error, 1)
	go func() {
		_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"})
		genDone <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.orc.getInstance("m").busy() {
		if time.Now().After(deadline) {
			t.Fatalf("generation never started")
		}
		time.Sleep(time.Millisecond)
	}

	// The in-flight generation holds the only queue slot; a second request
	// exhausts its wait and is rejected.
	_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"})
	if !IsTooBusy(err) {
		t.Fatalf("expected too-busy, got %v", err)
	}

	close(block)
	if err := <-genDone; err != nil {
		t.Fatalf("blocked generation: %v", err)
	}
	// Capacity is available again once the in-flight request finishes.
	if _, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"}); err != nil {
		t.Fatalf("post-drain generation: %v", err)
	}
}

func TestGenerate_WaitDeadlineSpansQueueAndSlot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	const maxWait = 400 * time.Millisecond
	h := newHarness(t, harnessOpts{
		budget:     1000,
		maxWait:    maxWait,
		queueDepth: 2,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle {
				return &fakeHandle{mem: 100, block: block, genText: "ok"}
			}),
		},
	})

	ctx := context.Background()
	if err := h.orc.LoadModel(ctx, "m", ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	genDone := make(chan error, 2)
	go func() {
		_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"})
		genDone <- err
	}()
	deadline := time.Now().Add(time.Second)
	inst := h.orc.getInstance("m")
	for !inst.busy() {
		if time.Now().After(deadline) {
			t.Fatalf("generation never started")
		}
		time.Sleep(time.Millisecond)
	}

	// A cancellable waiter takes the second queue slot.
	wctx, wcancel := context.WithCancel(ctx)
	go func() {
		_, err := h.orc.Generate(wctx, types.GenerateRequest{Model: "m", Prompt: "x"})
		genDone <- err
	}()
	for len(inst.queueCh) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never queued")
		}
		time.Sleep(time.Millisecond)
	}

	// The caller spends half its wait in the queue (until the waiter
	// cancels and frees a slot) and the rest on the in-flight slot. A fresh
	// timer per wait would push the rejection out to ~1.5x MaxWait.
	time.AfterFunc(maxWait/2, wcancel)
	start := time.Now()
	_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"})
	elapsed := time.Since(start)
	if !IsTooBusy(err) {
		t.Fatalf("expected too-busy, got %v", err)
	}
	if elapsed > maxWait+maxWait/4 {
		t.Fatalf("rejected after %v, want one MaxWait (%v)", elapsed, maxWait)
	}

	close(block)
	for i := 0; i < 2; i++ {
		if err := <-genDone; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected generation error: %v", err)
		}
	}
}

func TestUnloadModel_DrainsThenReleases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	handle := &fakeHandle{mem: 100, block: block, genText: "ok"}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return handle }),
		},
	})

	ctx := context.Background()
	if err := h.orc.LoadModel(ctx, "m", ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	genDone := make(chan error, 1)
	go func() {
		_, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"})
		genDone <- err
	}()
	deadline := time.Now().Add(time.Second)
	for !h.orc.getInstance("m").busy() {
		if time.Now().After(deadline) {
			t.Fatalf("generation never started")
		}
		time.Sleep(time.Millisecond)
	}

	unloadDone := make(chan error, 1)
	go func() { unloadDone <- h.orc.UnloadModel("m") }()

	// While draining, new work is rejected.
	time.Sleep(20 * time.Millisecond)
	if _, err := h.orc.Generate(ctx, types.GenerateRequest{Model: "m", Prompt: "x"}); !IsDraining(err) {
		t.Fatalf("expected draining rejection, got %v", err)
	}

	close(block)
	if err := <-genDone; err != nil {
		t.Fatalf("in-flight generation: %v", err)
	}
	if err := <-unloadDone; err != nil {
		t.Fatalf("unload: %v", err)
	}
	if handle.cleanups.Load() != 1 {
		t.Fatalf("cleanups = %d, want 1", handle.cleanups.Load())
	}
	if h.orc.getInstance("m") != nil {
		t.Fatalf("instance survived unload")
	}
	if used := h.mem.UsedBytes(); used != 0 {
		t.Fatalf("used = %d after unload", used)
	}
	if got := h.machine.State("m"); got != lifecycle.StateUninitialized {
		t.Fatalf("state = %s, want uninitialized", got)
	}
}

func TestUnloadModel_Unknown(t *testing.T) {
	h := newHarness(t, harnessOpts{budget: 1000})
	if err := h.orc.UnloadModel("nope"); !IsModelNotFound(err) {
		t.Fatalf("expected model-not-found, got %v", err)
	}
}

func TestDiscoverModels_ScansDirAndMergesCatalog(t *testing.T) {
	h := newHarness(t, harnessOpts{budget: 1000})
	if err := os.WriteFile(filepath.Join(h.dir, "local.gguf"), ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	catalogPath := filepath.Join(h.dir, "catalog.yaml")
	catalogYAML := "models:\n  - id: remote\n    format: gguf\n    urls: [\"http://example.invalid/remote.gguf\"]\n"
	if err := os.WriteFile(catalogPath, []byte(catalogYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	h.orc.cfg.CatalogPath = catalogPath

	models, err := h.orc.DiscoverModels(context.Background())
	if err != nil {
		t.Fatalf("DiscoverModels: %v", err)
	}
	byID := map[string]types.ModelInfo{}
	for _, m := range models {
		byID[m.ID] = m
	}
	local, ok := byID["local.gguf"]
	if !ok || local.Format != types.FormatGGUF || local.LocalPath == "" {
		t.Fatalf("local model not discovered: %+v", local)
	}
	if local.Metadata == nil || local.Metadata.Architecture != "llama" {
		t.Fatalf("local metadata missing: %+v", local.Metadata)
	}
	remote, ok := byID["remote"]
	if !ok || len(remote.URLs) != 1 {
		t.Fatalf("catalog model not merged: %+v", remote)
	}
	for _, id := range []string{"local.gguf", "remote"} {
		if got := h.machine.State(id); got != lifecycle.StateDiscovered {
			t.Fatalf("%s state = %s, want discovered", id, got)
		}
	}
}

func TestNotePressure_EvictsIdleUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	for _, id := range []string{"a", "b"} {
		if err := os.WriteFile(filepath.Join(dir, id+".gguf"), ggufFixture(t), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	handles := map[string]*fakeHandle{"a": {mem: 50}, "b": {mem: 45}}
	var next atomic.Pointer[fakeHandle]
	h := newHarness(t, harnessOpts{
		budget: 100,
		catalog: []types.ModelInfo{
			{ID: "a", Format: types.FormatGGUF, LocalPath: filepath.Join(dir, "a.gguf"), EstMemoryBytes: 50},
			{ID: "b", Format: types.FormatGGUF, LocalPath: filepath.Join(dir, "b.gguf"), EstMemoryBytes: 45},
		},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return next.Load() }),
		},
	})

	ctx := context.Background()
	next.Store(handles["a"])
	if err := h.orc.LoadModel(ctx, "a", ""); err != nil {
		t.Fatalf("load a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	next.Store(handles["b"])
	if err := h.orc.LoadModel(ctx, "b", ""); err != nil {
		t.Fatalf("load b: %v", err)
	}

	// 95 of 100 used, threshold 85: the pressure hook must evict "a".
	h.orc.NotePressure()
	if h.orc.getInstance("a") != nil {
		t.Fatalf("oldest model survived pressure")
	}
	if h.orc.getInstance("b") == nil {
		t.Fatalf("newest model evicted")
	}
	if used := h.mem.UsedBytes(); used != 45 {
		t.Fatalf("used = %d, want 45", used)
	}
}

func TestSubscribeProgress_DeliversPipelineUpdates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "m.gguf")
	if err := os.WriteFile(path, ggufFixture(t), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, harnessOpts{
		budget: 1000,
		catalog: []types.ModelInfo{{
			ID: "m", Format: types.FormatGGUF, LocalPath: path, EstMemoryBytes: 100,
		}},
		descriptors: []backend.Descriptor{
			ggufDescriptor("fake", 0.5, func() backend.ServiceHandle { return &fakeHandle{mem: 100} }),
		},
	})

	ch, cancel := h.orc.SubscribeProgress("m")
	defer cancel()

	// Drain concurrently so the bounded subscription buffer never drops the
	// final update.
	type digest struct {
		count  int
		maxPct float64
	}
	stop := make(chan struct{})
	got := make(chan digest, 1)
	go func() {
		var d digest
		for {
			select {
			case p := <-ch:
				d.count++
				if p.Percentage > d.maxPct {
					d.maxPct = p.Percentage
				}
			case <-stop:
				// Flush anything still buffered.
				for {
					select {
					case p := <-ch:
						d.count++
						if p.Percentage > d.maxPct {
							d.maxPct = p.Percentage
						}
					default:
						got <- d
						return
					}
				}
			}
		}
	}()

	if err := h.orc.LoadModel(context.Background(), "m", ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	close(stop)
	d := <-got
	if d.count == 0 {
		t.Fatalf("no progress updates delivered")
	}
	if d.maxPct != 100 {
		t.Fatalf("max percentage = %v, want 100", d.maxPct)
	}
}
