package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/jotrip/internal/envelope"
	"github.com/MarcoPoloResearchLab/jotrip/internal/records"
	"github.com/MarcoPoloResearchLab/jotrip/internal/remote"
	"github.com/MarcoPoloResearchLab/jotrip/internal/syncerr"
	"go.uber.org/zap"
)

const (
	opSync = "syncengine.sync"
	opPull = "syncengine.pull"
	opPush = "syncengine.push"
)

var (
	errMissingStore         = errors.New("syncengine: local store required")
	errMissingRemoteFactory = errors.New("syncengine: remote factory required")
)

// Phase is the state of a reconciliation attempt.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhasePulling Phase = "pulling"
	PhasePushing Phase = "pushing"
	PhaseFailed  Phase = "failed"
)

// Config wires the engine to its collaborators.
type Config struct {
	Store  LocalStore
	Remote RemoteFactory
	Logger *zap.Logger
	Clock  func() time.Time
	// PushRecentTombstonesOnly limits the push to tombstones newer than the
	// cursor instead of every recorded tombstone.
	PushRecentTombstonesOnly bool
	// OnPhase observes state transitions.
	OnPhase func(Phase)
}

// Result summarizes one reconciliation attempt.
type Result struct {
	Cursor      string
	Changes     int
	Applied     int
	Stale       int
	Deleted     int
	Failed      int
	Recovered   int
	Pushed      int
	StartedAt   time.Time
	CompletedAt time.Time
}

// Engine runs pull-then-push reconciliations against the sync server.
type Engine struct {
	store                    LocalStore
	remoteFactory            RemoteFactory
	logger                   *zap.Logger
	clock                    func() time.Time
	pushRecentTombstonesOnly bool
	onPhase                  func(Phase)
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Remote == nil {
		return nil, errMissingRemoteFactory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	onPhase := cfg.OnPhase
	if onPhase == nil {
		onPhase = func(Phase) {}
	}
	return &Engine{
		store:                    cfg.Store,
		remoteFactory:            cfg.Remote,
		logger:                   logger,
		clock:                    clock,
		pushRecentTombstonesOnly: cfg.PushRecentTombstonesOnly,
		onPhase:                  onPhase,
	}, nil
}

// attempt carries the state of one reconciliation.
type attempt struct {
	remote      Remote
	passphrase  string
	cursor      string
	cursorTime  time.Time
	serverNow   time.Time
	candidate   time.Time
	observed    bool
	deadLetters *deadLetterSet
	result      Result
}

// Sync runs one reconciliation. It returns ErrSyncDisabled when sync is off.
// The cursor is persisted only when both phases succeed.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	startedAt := e.clock().UTC()
	settings, err := LoadSettings(ctx, e.store)
	if err != nil {
		return Result{}, err
	}
	if !settings.Active() {
		return Result{}, ErrSyncDisabled
	}
	client, err := e.remoteFactory(settings)
	if err != nil {
		return Result{}, syncerr.New(syncerr.ErrValidation, opSync, err)
	}

	state := &attempt{remote: client, passphrase: settings.Passphrase}
	state.result.StartedAt = startedAt
	if err := e.readCursor(ctx, state); err != nil {
		return state.result, e.fail(err)
	}

	e.onPhase(PhasePulling)
	if err := e.pull(ctx, state); err != nil {
		return state.result, e.fail(err)
	}

	e.onPhase(PhasePushing)
	if err := e.push(ctx, state); err != nil {
		return state.result, e.fail(err)
	}

	next := nextCursor(state)
	encoded := records.FormatTimestamp(next)
	if encoded != state.cursor {
		if err := e.store.SetMeta(ctx, MetaCursor, encoded); err != nil {
			return state.result, e.fail(syncerr.New(syncerr.ErrStorage, opSync, err))
		}
	}
	state.result.Cursor = encoded
	state.result.CompletedAt = e.clock().UTC()
	e.onPhase(PhaseIdle)
	e.logger.Info("sync completed",
		zap.String("cursor", encoded),
		zap.Int("changes", state.result.Changes),
		zap.Int("applied", state.result.Applied),
		zap.Int("stale", state.result.Stale),
		zap.Int("deleted", state.result.Deleted),
		zap.Int("failed", state.result.Failed),
		zap.Int("pushed", state.result.Pushed))
	return state.result, nil
}

func (e *Engine) readCursor(ctx context.Context, state *attempt) error {
	cursor, _, err := e.store.GetMeta(ctx, MetaCursor)
	if err != nil {
		return syncerr.New(syncerr.ErrStorage, opSync, err)
	}
	cursorTime, err := records.ParseTimestamp(cursor)
	if err != nil {
		e.logger.Warn("discarding unreadable cursor", zap.String("cursor", cursor), zap.Error(err))
		cursor, cursorTime = "", time.Time{}
	}
	state.cursor = cursor
	state.cursorTime = cursorTime
	state.result.Cursor = cursor
	return nil
}

// nextCursor never moves backwards. Observed changes advance it to the
// newest timestamp seen, otherwise to the server time of the feed.
func nextCursor(state *attempt) time.Time {
	next := state.serverNow
	if state.observed {
		next = state.candidate
	}
	return records.Latest(state.cursorTime, next)
}

func (e *Engine) pull(ctx context.Context, state *attempt) error {
	deadLetters, err := loadDeadLetters(ctx, e.store)
	if err != nil {
		return err
	}
	state.deadLetters = deadLetters

	for _, key := range deadLetters.keys() {
		if err := e.processKey(ctx, state, key); err != nil {
			if !recordFailure(err) {
				return err
			}
			entry := deadLetters.record(key, "", err)
			e.logger.Warn("dead letter retry failed",
				zap.String("key", key),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err))
			continue
		}
		deadLetters.resolve(key)
		state.result.Recovered++
	}

	feed, err := state.remote.ListChangesSince(ctx, state.cursor)
	if err != nil {
		e.logError(opPull, "list_changes_failed", err)
		return err
	}
	serverNow, err := records.ParseTimestamp(feed.Now)
	if err != nil || serverNow.IsZero() {
		serverNow = e.clock().UTC()
		e.logger.Warn("change feed carried no server time", zap.String("now", feed.Now))
	}
	state.serverNow = serverNow

	for _, change := range feed.Changes {
		if change.Key == "" {
			state.result.Failed++
			e.logger.Warn("skipping change without key", zap.String("updated_at", change.UpdatedAt))
			continue
		}
		state.result.Changes++
		if updatedAt, parseErr := records.ParseTimestamp(change.UpdatedAt); parseErr == nil && !updatedAt.IsZero() {
			state.observed = true
			bounded := updatedAt
			if bounded.After(serverNow) {
				bounded = serverNow
			}
			state.candidate = records.Latest(state.candidate, bounded)
		} else {
			e.logger.Warn("change carries unreadable timestamp",
				zap.String("key", change.Key),
				zap.String("updated_at", change.UpdatedAt))
		}

		if err := e.processKey(ctx, state, change.Key); err != nil {
			if !recordFailure(err) {
				return err
			}
			state.result.Failed++
			entry := deadLetters.record(change.Key, change.UpdatedAt, err)
			e.logger.Warn("change skipped",
				zap.String("key", change.Key),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err))
			continue
		}
		deadLetters.resolve(change.Key)
	}

	return deadLetters.save(ctx, e.store)
}

// recordFailure reports whether err concerns only the record being processed.
// Besides decryption and validation failures this covers a server error
// status for one blob; transport failures, throttling and auth rejections
// still abort the attempt.
func recordFailure(err error) bool {
	if !syncerr.IsFatal(err) {
		return true
	}
	if errors.Is(err, syncerr.ErrAuth) {
		return false
	}
	var status *remote.StatusError
	return errors.As(err, &status) && status.Code >= 500
}

// processKey fetches, decrypts, and applies one blob. A missing blob is not
// an error: there is nothing left to apply.
func (e *Engine) processKey(ctx context.Context, state *attempt, key string) error {
	blob, err := state.remote.GetBlob(ctx, key)
	if errors.Is(err, remote.ErrBlobNotFound) {
		e.logger.Debug("change blob missing", zap.String("key", key))
		return nil
	}
	if err != nil {
		return err
	}
	env, err := envelope.Open(blob, state.passphrase)
	if err != nil {
		return err
	}
	expectedKey, err := env.Key()
	if err != nil {
		return syncerr.New(syncerr.ErrValidation, opPull, err)
	}
	if expectedKey != key {
		return syncerr.New(syncerr.ErrValidation, opPull, fmt.Errorf("envelope for %s stored under %s", expectedKey, key))
	}
	outcome, err := Apply(ctx, e.store, env)
	if err != nil {
		return err
	}
	switch outcome {
	case OutcomeApplied:
		state.result.Applied++
	case OutcomeDeleted:
		state.result.Deleted++
	default:
		state.result.Stale++
		e.logger.Debug("incoming record discarded", zap.String("key", key), zap.String("outcome", string(outcome)))
	}
	return nil
}

func (e *Engine) push(ctx context.Context, state *attempt) error {
	envelopes, err := e.pendingEnvelopes(ctx, state)
	if err != nil {
		return err
	}
	for _, env := range envelopes {
		key, err := env.Key()
		if err != nil {
			e.logger.Warn("skipping record with invalid key", zap.String("kind", string(env.Kind)), zap.Error(err))
			continue
		}
		blob, err := envelope.Seal(env, state.passphrase)
		if err != nil {
			e.logger.Warn("skipping record that cannot be sealed", zap.String("key", key), zap.Error(err))
			continue
		}
		if _, err := state.remote.PutBlob(ctx, key, blob); err != nil {
			e.logError(opPush, "put_blob_failed", err, zap.String("key", key))
			return err
		}
		state.result.Pushed++
	}
	return nil
}

func (e *Engine) pendingEnvelopes(ctx context.Context, state *attempt) ([]envelope.Envelope, error) {
	after := state.cursorTime
	notes, err := e.store.NotesUpdatedAfter(ctx, after)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrStorage, opPush, err)
	}
	tabs, err := e.store.TabsUpdatedAfter(ctx, after)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrStorage, opPush, err)
	}
	images, err := e.store.ImagesCreatedAfter(ctx, after)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrStorage, opPush, err)
	}
	tombstoneSince := time.Time{}
	if e.pushRecentTombstonesOnly {
		tombstoneSince = after
	}
	tombstones, err := e.store.TombstonesSince(ctx, tombstoneSince)
	if err != nil {
		return nil, syncerr.New(syncerr.ErrStorage, opPush, err)
	}

	envelopes := make([]envelope.Envelope, 0, len(notes)+len(tabs)+len(images)+len(tombstones))
	for _, note := range notes {
		envelopes = append(envelopes, envelope.ForNote(note))
	}
	for _, tab := range tabs {
		envelopes = append(envelopes, envelope.ForTab(tab))
	}
	for _, image := range images {
		envelopes = append(envelopes, envelope.ForImage(image))
	}
	for _, tombstone := range tombstones {
		envelopes = append(envelopes, envelope.ForTombstone(tombstone))
	}
	return envelopes, nil
}

func (e *Engine) fail(err error) error {
	e.onPhase(PhaseFailed)
	if errors.Is(err, syncerr.ErrAuth) {
		e.logError(opSync, "credentials_rejected", err)
	}
	e.onPhase(PhaseIdle)
	return err
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}
