// Package mongo hosts the MongoDB client backing the scout pipeline: scouts,
// executions, execution steps and per-user credential records. The executor's
// "at most one running execution per scout" invariant is enforced with a
// partial unique index rather than in-process locks so it survives crashed
// executors and multi-process dispatchers.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/google/uuid"
	"goa.design/clue/health"

	"goa.design/scout/scout"
)

const (
	defaultScoutsCollection      = "scouts"
	defaultExecutionsCollection  = "scout_executions"
	defaultStepsCollection       = "scout_execution_steps"
	defaultCredentialsCollection = "user_preferences"
	defaultOpTimeout             = 5 * time.Second
	storeClientName              = "scout-mongo"
)

// ErrAlreadyRunning is returned by ClaimRunning when another execution holds
// the running slot for the scout.
type ErrAlreadyRunning struct {
	// ExecutionID identifies the execution currently running.
	ExecutionID string
}

// Error implements the error interface.
func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("execution %s already running", e.ExecutionID)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Client exposes Mongo-backed operations for the scout pipeline.
type Client interface {
	health.Pinger

	// Scout reads and post-run bookkeeping.
	Scout(ctx context.Context, id string) (scout.Scout, error)
	ListDueScouts(ctx context.Context, now time.Time, cap int) ([]scout.Scout, error)
	UpdateScoutPostRun(ctx context.Context, scoutID string, outcome scout.RunOutcome) error
	DisableAllUserScouts(ctx context.Context, userID string) (int64, error)

	// Execution lifecycle.
	ClaimRunning(ctx context.Context, scoutID string) (scout.Execution, error)
	FinishExecution(ctx context.Context, executionID string, final scout.ExecutionFinal) error
	AppendStep(ctx context.Context, step scout.Step) error
	UpdateStep(ctx context.Context, executionID string, number int, update scout.StepUpdate) error
	ListRecentFindings(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error)
	ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error)

	// Credential records.
	Credential(ctx context.Context, userID string) (scout.CredentialRecord, error)
	MarkCredentialInvalid(ctx context.Context, userID, reason string) error
}

// Options configures the Mongo client.
type Options struct {
	Client   *mongodriver.Client
	Database string
	// Collection name overrides; defaults match the logical table layout.
	ScoutsCollection      string
	ExecutionsCollection  string
	StepsCollection       string
	CredentialsCollection string
	Timeout               time.Duration
}

type client struct {
	mongo       *mongodriver.Client
	scouts      *mongodriver.Collection
	executions  *mongodriver.Collection
	steps       *mongodriver.Collection
	credentials *mongodriver.Collection
	timeout     time.Duration
}

// New returns a Client backed by MongoDB and ensures the supporting indexes,
// including the partial unique index that serializes running executions per
// scout.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:       opts.Client,
		scouts:      db.Collection(orDefault(opts.ScoutsCollection, defaultScoutsCollection)),
		executions:  db.Collection(orDefault(opts.ExecutionsCollection, defaultExecutionsCollection)),
		steps:       db.Collection(orDefault(opts.StepsCollection, defaultStepsCollection)),
		credentials: db.Collection(orDefault(opts.CredentialsCollection, defaultCredentialsCollection)),
		timeout:     timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func orDefault(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

func (c *client) Name() string { return storeClientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Scout loads one scout by id.
func (c *client) Scout(ctx context.Context, id string) (scout.Scout, error) {
	if id == "" {
		return scout.Scout{}, errors.New("scout id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var s scout.Scout
	if err := c.scouts.FindOne(ctx, bson.M{"_id": id}).Decode(&s); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return scout.Scout{}, ErrNotFound
		}
		return scout.Scout{}, err
	}
	return s, nil
}

// ListDueScouts returns active scouts due at the given instant, capped. The
// query prefilters on activity and the shortest supported period; the exact
// per-frequency due check and configuration completeness are evaluated on the
// decoded rows.
func (c *client) ListDueScouts(ctx context.Context, now time.Time, cap int) ([]scout.Scout, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	coarse := now.Add(-scout.FrequencyHourly.Period())
	filter := bson.M{
		"is_active": true,
		"$or": bson.A{
			bson.M{"last_run_at": bson.M{"$exists": false}},
			bson.M{"last_run_at": nil},
			bson.M{"last_run_at": bson.M{"$lte": coarse}},
		},
	}
	cursor, err := c.scouts.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var due []scout.Scout
	for cursor.Next(ctx) {
		var s scout.Scout
		if err := cursor.Decode(&s); err != nil {
			return nil, err
		}
		if !s.Due(now) {
			continue
		}
		due = append(due, s)
		if cap > 0 && len(due) >= cap {
			break
		}
	}
	return due, cursor.Err()
}

// UpdateScoutPostRun records the run outcome on the scout: the run timestamp,
// the failure counter, and deactivation once the counter reaches the cutoff.
func (c *client) UpdateScoutPostRun(ctx context.Context, scoutID string, outcome scout.RunOutcome) error {
	if scoutID == "" {
		return errors.New("scout id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set := bson.M{
		"last_run_at": outcome.LastRunAt.UTC(),
		"updated_at":  time.Now().UTC(),
	}
	update := bson.M{"$set": set}
	if outcome.Failed {
		update["$inc"] = bson.M{"consecutive_failures": 1}
	} else {
		set["consecutive_failures"] = 0
	}
	res, err := c.scouts.UpdateOne(ctx, bson.M{"_id": scoutID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	if !outcome.Failed {
		return nil
	}
	// Deactivate once the counter reaches the cutoff. A separate conditional
	// update keeps the increment atomic.
	_, err = c.scouts.UpdateOne(ctx,
		bson.M{"_id": scoutID, "consecutive_failures": bson.M{"$gte": scout.MaxConsecutiveFailures}},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}})
	return err
}

// DisableAllUserScouts deactivates every scout owned by the user and returns
// how many rows changed.
func (c *client) DisableAllUserScouts(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, errors.New("user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.scouts.UpdateMany(ctx,
		bson.M{"user_id": userID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ClaimRunning inserts a running execution for the scout. The partial unique
// index rejects the insert when a running execution already exists; in that
// case the existing execution id is surfaced via ErrAlreadyRunning.
func (c *client) ClaimRunning(ctx context.Context, scoutID string) (scout.Execution, error) {
	if scoutID == "" {
		return scout.Execution{}, errors.New("scout id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	exec := scout.Execution{
		ID:        uuid.NewString(),
		ScoutID:   scoutID,
		Status:    scout.ExecutionRunning,
		CreatedAt: time.Now().UTC(),
	}
	_, err := c.executions.InsertOne(ctx, exec)
	if err == nil {
		return exec, nil
	}
	if !mongodriver.IsDuplicateKeyError(err) {
		return scout.Execution{}, err
	}
	var existing scout.Execution
	ferr := c.executions.FindOne(ctx,
		bson.M{"scout_id": scoutID, "status": scout.ExecutionRunning}).Decode(&existing)
	if ferr != nil {
		// The conflicting row finished between insert and lookup; report the
		// claim conflict without an id.
		return scout.Execution{}, &ErrAlreadyRunning{}
	}
	return scout.Execution{}, &ErrAlreadyRunning{ExecutionID: existing.ID}
}

// FinishExecution transitions a running execution to its terminal state.
func (c *client) FinishExecution(ctx context.Context, executionID string, final scout.ExecutionFinal) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	if final.Status != scout.ExecutionCompleted && final.Status != scout.ExecutionFailed {
		return fmt.Errorf("invalid terminal status %q", final.Status)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	completedAt := final.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	set := bson.M{
		"status":       final.Status,
		"completed_at": completedAt.UTC(),
	}
	if final.Results != nil {
		set["results_summary"] = final.Results
	}
	if final.SummaryText != nil {
		set["summary_text"] = *final.SummaryText
	}
	if final.SummaryEmbedding != nil {
		set["summary_embedding"] = final.SummaryEmbedding
	}
	if final.ErrorMessage != "" {
		set["error_message"] = final.ErrorMessage
	}
	res, err := c.executions.UpdateOne(ctx,
		bson.M{"_id": executionID, "status": scout.ExecutionRunning},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendStep records a step in the running state before its external call.
func (c *client) AppendStep(ctx context.Context, step scout.Step) error {
	if step.ExecutionID == "" {
		return errors.New("execution id is required")
	}
	if step.Number <= 0 {
		return errors.New("step number must be positive")
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	if step.Status == "" {
		step.Status = scout.StepRunning
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.InsertOne(ctx, step)
	return err
}

// UpdateStep finalizes a step with its output or error.
func (c *client) UpdateStep(ctx context.Context, executionID string, number int, update scout.StepUpdate) error {
	if executionID == "" {
		return errors.New("execution id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set := bson.M{"status": update.Status}
	if update.Output != nil {
		set["output_data"] = update.Output
	}
	if update.Error != "" {
		set["error_message"] = update.Error
	}
	res, err := c.steps.UpdateOne(ctx,
		bson.M{"execution_id": executionID, "step_number": number},
		bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecentFindings returns the most recent successful executions of the
// scout that carry a summary embedding, newest first. Rows whose stored vector
// has an unexpected dimension are skipped rather than coerced.
func (c *client) ListRecentFindings(ctx context.Context, scoutID string, limit int) ([]scout.RecentFinding, error) {
	if scoutID == "" {
		return nil, errors.New("scout id is required")
	}
	if limit <= 0 || limit > 20 {
		limit = 20
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"scout_id":          scoutID,
		"status":            scout.ExecutionCompleted,
		"summary_embedding": bson.M{"$exists": true, "$ne": nil},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "completed_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := c.executions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var findings []scout.RecentFinding
	for cursor.Next(ctx) {
		var f scout.RecentFinding
		if err := cursor.Decode(&f); err != nil {
			return nil, err
		}
		if len(f.Embedding) != scout.EmbeddingDim {
			continue
		}
		findings = append(findings, f)
	}
	return findings, cursor.Err()
}

// ReapStaleRunning fails running executions older than the threshold and
// returns how many rows were reclaimed.
func (c *client) ReapStaleRunning(ctx context.Context, now time.Time, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("olderThan must be positive")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cutoff := now.Add(-olderThan).UTC()
	res, err := c.executions.UpdateMany(ctx,
		bson.M{"status": scout.ExecutionRunning, "created_at": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{
			"status":        scout.ExecutionFailed,
			"error_message": "stale",
			"completed_at":  now.UTC(),
		}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Credential loads the user's search/scrape key record.
func (c *client) Credential(ctx context.Context, userID string) (scout.CredentialRecord, error) {
	if userID == "" {
		return scout.CredentialRecord{}, errors.New("user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var rec scout.CredentialRecord
	if err := c.credentials.FindOne(ctx, bson.M{"_id": userID}).Decode(&rec); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return scout.CredentialRecord{}, ErrNotFound
		}
		return scout.CredentialRecord{}, err
	}
	return rec, nil
}

// MarkCredentialInvalid flags the user's key as rejected by the provider.
func (c *client) MarkCredentialInvalid(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.credentials.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{
			"status":         scout.CredentialInvalid,
			"invalid_reason": reason,
			"updated_at":     time.Now().UTC(),
		}})
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	// One running execution per scout at any time.
	runningUnique := mongodriver.IndexModel{
		Keys: bson.D{{Key: "scout_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetPartialFilterExpression(bson.M{"status": scout.ExecutionRunning}),
	}
	recent := mongodriver.IndexModel{
		Keys: bson.D{{Key: "scout_id", Value: 1}, {Key: "completed_at", Value: -1}},
	}
	if _, err := c.executions.Indexes().CreateMany(ctx, []mongodriver.IndexModel{runningUnique, recent}); err != nil {
		return fmt.Errorf("executions indexes: %w", err)
	}
	steps := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "execution_id", Value: 1}, {Key: "step_number", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.steps.Indexes().CreateOne(ctx, steps); err != nil {
		return fmt.Errorf("steps index: %w", err)
	}
	owner := mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "is_active", Value: 1}},
	}
	if _, err := c.scouts.Indexes().CreateOne(ctx, owner); err != nil {
		return fmt.Errorf("scouts index: %w", err)
	}
	return nil
}
