// Package relief drives the pipeline from an uploaded image to a displaced
// mesh: prediction, decoding, height extraction, smoothing and mesh
// replacement.
package relief

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/depth"
	"github.com/MaxShih147/Rushmore/heightfield"
	"github.com/MaxShih147/Rushmore/mesh"
	"github.com/MaxShih147/Rushmore/runlog"
	"github.com/MaxShih147/Rushmore/stream"
)

// Predictor returns depth-map bytes for an uploaded image.
type Predictor interface {
	Predict(ctx context.Context, upload []byte) ([]byte, error)
}

// Recorder persists runs and their transitions.
type Recorder interface {
	Begin(id, kind, source, state string) error
	Transition(id, state string, cause error) error
	Finish(id, meshID string, cause error) error
}

// Publisher broadcasts pipeline events.
type Publisher interface {
	Publish(eventType string, v any)
}

type Options struct {
	Predictor   Predictor
	Slot        *mesh.Slot
	Recorder    Recorder
	Publisher   Publisher
	Settings    Settings
	MeshOptions mesh.Options
	Logger      *zap.Logger
}

// RunEvent is published on every state transition.
type RunEvent struct {
	RunID string    `json:"runId"`
	Kind  string    `json:"kind"`
	State State     `json:"state"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// MeshEvent is published after a mesh has been attached.
type MeshEvent struct {
	RunID      string  `json:"runId"`
	MeshID     string  `json:"meshId"`
	Name       string  `json:"name"`
	Vertices   int     `json:"vertices"`
	Triangles  int     `json:"triangles"`
	DepthScale float64 `json:"depthScale"`
	BlurRadius int     `json:"blurRadius"`
}

// Result summarizes a successful run.
type Result struct {
	RunID     string   `json:"runId"`
	MeshID    string   `json:"meshId"`
	Vertices  int      `json:"vertices"`
	Triangles int      `json:"triangles"`
	Settings  Settings `json:"settings"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	State      State    `json:"state"`
	RunID      string   `json:"runId,omitempty"`
	Error      string   `json:"error,omitempty"`
	Settings   Settings `json:"settings"`
	HasSession bool     `json:"hasSession"`
	SourceName string   `json:"sourceName,omitempty"`
	MeshID     string   `json:"meshId,omitempty"`
}

// Orchestrator owns the current session and the mesh slot. Uploads may
// overlap; their commits are serialized and the last one to commit wins.
// Failed runs never touch the session or the mesh.
type Orchestrator struct {
	predictor Predictor
	slot      *mesh.Slot
	rec       Recorder
	pub       Publisher
	meshOpts  mesh.Options
	log       *zap.Logger

	// mu is the commit lock. It guards session, settings and the slot.
	mu       sync.Mutex
	session  *Session
	settings Settings

	stateMu   sync.RWMutex
	state     State
	stateRun  string
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Predictor == nil {
		return nil, errors.New("relief: predictor is required")
	}
	if opts.Settings == (Settings{}) {
		opts.Settings = DefaultSettings()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Slot == nil {
		opts.Slot = mesh.NewSlot(mesh.NewMemorySurface(), opts.Logger.Named("mesh"))
	}
	if opts.MeshOptions.Columns == 0 {
		opts.MeshOptions = mesh.DefaultOptions()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		predictor: opts.Predictor,
		slot:      opts.Slot,
		rec:       opts.Recorder,
		pub:       opts.Publisher,
		meshOpts:  opts.MeshOptions,
		log:       opts.Logger,
		settings:  opts.Settings,
		state:     Idle,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Close cancels submitted runs and waits for them to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// Wait blocks until every submitted run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Upload runs the full pipeline for an image and commits the result.
func (o *Orchestrator) Upload(ctx context.Context, name string, data []byte) (*Result, error) {
	return o.upload(ctx, uuid.NewString(), name, data)
}

// Submit starts Upload in the background and returns the run id at once.
func (o *Orchestrator) Submit(name string, data []byte) string {
	id := uuid.NewString()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_, _ = o.upload(o.ctx, id, name, data)
	}()
	return id
}

func (o *Orchestrator) upload(ctx context.Context, id, name string, data []byte) (*Result, error) {
	r := o.begin(id, runlog.KindUpload, name, Encoding)

	mime, err := depth.DetectImage(data)
	if err != nil {
		return nil, r.fail(fmt.Errorf("%w: %w", ErrNotImage, err))
	}

	r.enter(AwaitingPrediction)
	raw, err := o.predictor.Predict(ctx, data)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(DecodingDepthImage)
	img, err := depth.Decode(raw)
	if err != nil {
		return nil, r.fail(err)
	}

	r.enter(ExtractingHeightField)
	base := heightfield.FromRGBA(img)

	r.enter(Blurring)
	settings := o.Settings()
	blurred := heightfield.Blur(base, settings.BlurRadius)

	r.enter(GeneratingMesh)
	m, err := mesh.Generate(blurred, settings.DepthScale, o.meshOpts)
	if err != nil {
		return nil, r.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(err)
	}

	o.mu.Lock()
	// settings may have moved while this run was in flight
	if o.settings != settings {
		settings = o.settings
		blurred = heightfield.Blur(base, settings.BlurRadius)
		if m, err = mesh.Generate(blurred, settings.DepthScale, o.meshOpts); err != nil {
			o.mu.Unlock()
			return nil, r.fail(err)
		}
	}
	next := &Session{
		RunID:      id,
		SourceName: name,
		SourceMIME: mime,
		Source:     data,
		DepthImage: img,
		Base:       base,
		Blurred:    blurred,
		Settings:   settings,
		CreatedAt:  time.Now(),
	}
	err = o.commit(next, m)
	// a later commit may release m as soon as the lock is dropped
	sum := summarize(m)
	o.mu.Unlock()
	if err != nil {
		return nil, r.fail(err)
	}

	return r.done(sum, settings), nil
}

// Regenerate rebuilds the mesh from the current smoothed field and depth
// scale without contacting the prediction service.
func (o *Orchestrator) Regenerate(ctx context.Context) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return nil, &StepError{State: GeneratingMesh, Err: ErrNoHeightField}
	}
	return o.rebuild(ctx, runlog.KindRegenerate, GeneratingMesh, o.session.Blurred, o.settings)
}

// SetBlurRadius stores a new radius and, when a session exists, re-blurs
// its unsmoothed field and regenerates the mesh.
func (o *Orchestrator) SetBlurRadius(ctx context.Context, radius int) (*Result, error) {
	if err := ValidateBlurRadius(radius); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.settings.BlurRadius = radius
	if o.session == nil {
		return nil, nil
	}
	r := o.begin(uuid.NewString(), runlog.KindBlur, o.session.SourceName, Blurring)
	blurred := heightfield.Blur(o.session.Base, radius)
	return o.finishRebuild(ctx, r, blurred, o.settings)
}

// SetDepthScale stores a new scale and, when a session exists, regenerates
// the mesh with it.
func (o *Orchestrator) SetDepthScale(ctx context.Context, scale float64) (*Result, error) {
	if err := ValidateDepthScale(scale); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.settings.DepthScale = scale
	if o.session == nil {
		return nil, nil
	}
	return o.rebuild(ctx, runlog.KindScale, GeneratingMesh, o.session.Blurred, o.settings)
}

// rebuild and finishRebuild must be called with o.mu held.
func (o *Orchestrator) rebuild(ctx context.Context, kind string, first State, field *heightfield.Field, settings Settings) (*Result, error) {
	r := o.begin(uuid.NewString(), kind, o.session.SourceName, first)
	return o.finishRebuild(ctx, r, field, settings)
}

func (o *Orchestrator) finishRebuild(ctx context.Context, r *run, field *heightfield.Field, settings Settings) (*Result, error) {
	if r.state != GeneratingMesh {
		r.enter(GeneratingMesh)
	}
	m, err := mesh.Generate(field, settings.DepthScale, o.meshOpts)
	if err != nil {
		return nil, r.fail(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, r.fail(err)
	}
	if err := o.commit(o.session.with(r.id, field, settings), m); err != nil {
		return nil, r.fail(err)
	}
	return r.done(summarize(m), settings), nil
}

// commit swaps in the session and mesh. Callers hold o.mu.
func (o *Orchestrator) commit(next *Session, m *mesh.Mesh) error {
	if err := o.slot.Replace(m); err != nil {
		return err
	}
	o.session = next
	return nil
}

// Session returns the committed session, or nil.
func (o *Orchestrator) Session() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *Orchestrator) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// WithMesh calls fn with the live mesh. fn runs outside the commit lock, so
// slow readers never hold up commits; the mesh keeps its buffers until fn
// returns even if a commit replaces it meanwhile. It returns false when no
// mesh is attached.
func (o *Orchestrator) WithMesh(fn func(m *mesh.Mesh) error) (bool, error) {
	o.mu.Lock()
	m := o.slot.Current()
	if m == nil || !m.Acquire() {
		o.mu.Unlock()
		return false, nil
	}
	o.mu.Unlock()
	defer m.Done()
	return true, fn(m)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{Settings: o.settings}
	if s := o.session; s != nil {
		st.HasSession = true
		st.SourceName = s.SourceName
	}
	if m := o.slot.Current(); m != nil {
		st.MeshID = m.ID
	}
	o.mu.Unlock()

	o.stateMu.RLock()
	st.State = o.state
	st.RunID = o.stateRun
	st.Error = o.lastError
	o.stateMu.RUnlock()
	return st
}

// run tracks one pass through the pipeline.
type run struct {
	o     *Orchestrator
	id    string
	kind  string
	state State
	start time.Time
	log   *zap.Logger
}

func (o *Orchestrator) begin(id, kind, source string, first State) *run {
	r := &run{
		o:     o,
		id:    id,
		kind:  kind,
		state: first,
		start: time.Now(),
		log:   o.log.With(zap.String("run", id), zap.String("kind", kind)),
	}
	if o.rec != nil {
		if err := o.rec.Begin(id, kind, source, first.String()); err != nil {
			r.log.Warn("run log begin failed", zap.Error(err))
		}
	}
	r.announce(first, nil)
	return r
}

func (r *run) enter(s State) {
	r.state = s
	if r.o.rec != nil {
		if err := r.o.rec.Transition(r.id, s.String(), nil); err != nil {
			r.log.Warn("run log transition failed", zap.Error(err))
		}
	}
	r.announce(s, nil)
}

func (r *run) announce(s State, cause error) {
	o := r.o
	o.stateMu.Lock()
	o.state = s
	o.stateRun = r.id
	if cause != nil {
		o.lastError = cause.Error()
	} else if s != Error {
		o.lastError = ""
	}
	o.stateMu.Unlock()

	r.log.Debug("state", zap.Stringer("state", s))
	if o.pub != nil {
		ev := RunEvent{RunID: r.id, Kind: r.kind, State: s, At: time.Now()}
		if cause != nil {
			ev.Error = cause.Error()
		}
		o.pub.Publish(stream.EventRun, ev)
	}
}

func (r *run) fail(err error) error {
	stepErr := &StepError{State: r.state, Err: err}
	r.log.Error("run failed", zap.Stringer("state", r.state), zap.Error(err))

	r.state = Error
	if r.o.rec != nil {
		if e := r.o.rec.Transition(r.id, Error.String(), stepErr); e != nil {
			r.log.Warn("run log transition failed", zap.Error(e))
		}
		if e := r.o.rec.Finish(r.id, "", stepErr); e != nil {
			r.log.Warn("run log finish failed", zap.Error(e))
		}
	}
	r.announce(Error, stepErr)
	return stepErr
}

type meshSummary struct {
	ID        string
	Name      string
	Vertices  int
	Triangles int
}

func summarize(m *mesh.Mesh) meshSummary {
	return meshSummary{ID: m.ID, Name: m.Name, Vertices: m.VertexCount(), Triangles: m.TriangleCount()}
}

func (r *run) done(m meshSummary, settings Settings) *Result {
	r.enter(Idle)
	if r.o.rec != nil {
		if err := r.o.rec.Finish(r.id, m.ID, nil); err != nil {
			r.log.Warn("run log finish failed", zap.Error(err))
		}
	}
	if r.o.pub != nil {
		r.o.pub.Publish(stream.EventMesh, MeshEvent{
			RunID:      r.id,
			MeshID:     m.ID,
			Name:       m.Name,
			Vertices:   m.Vertices,
			Triangles:  m.Triangles,
			DepthScale: settings.DepthScale,
			BlurRadius: settings.BlurRadius,
		})
	}
	r.log.Info("mesh committed",
		zap.String("mesh", m.ID),
		zap.Int("vertices", m.Vertices),
		zap.Duration("elapsed", time.Since(r.start)))
	return &Result{
		RunID:     r.id,
		MeshID:    m.ID,
		Vertices:  m.Vertices,
		Triangles: m.Triangles,
		Settings:  settings,
	}
}
