package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRetryDelays are the waits before each retry attempt. The number
// of delays fixes the number of retries.
var DefaultRetryDelays = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// DefaultAttemptTimeout bounds a single delivery attempt.
const DefaultAttemptTimeout = 10 * time.Second

const userAgent = "x402-facilitator/2.0"

// JobState is the lifecycle state of a delivery job.
type JobState string

const (
	// JobPending means the job has attempts remaining.
	JobPending JobState = "pending"
	// JobCompleted means the target acknowledged with a 2xx.
	JobCompleted JobState = "completed"
	// JobExhausted means every attempt failed. The job stays queryable and
	// can be re-armed by RetryExhausted.
	JobExhausted JobState = "exhausted"
)

// JobStatus is a point-in-time snapshot of a delivery job.
type JobStatus struct {
	ID            string
	URL           string
	Event         string
	State         JobState
	Attempts      int
	LastError     string
	LastAttemptAt time.Time
	CompletedAt   time.Time
}

// SecretFunc resolves the shared signing secret for a target URL. A false
// return means the target has no webhook configuration and the job fails
// without attempting delivery.
type SecretFunc func(url string) (string, bool)

type job struct {
	id      string
	url     string
	event   string
	payload []byte

	state     JobState
	attempts  int
	lastError string
	lastAt    time.Time
	doneAt    time.Time
}

// Service delivers webhook events with HMAC signatures and bounded
// retries. Enqueue returns immediately; delivery happens on a goroutine
// per job.
type Service struct {
	secrets SecretFunc
	client  *http.Client
	delays  []time.Duration
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	jobs map[string]*job

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.client = client
	}
}

// WithRetryDelays overrides DefaultRetryDelays.
func WithRetryDelays(delays []time.Duration) ServiceOption {
	return func(s *Service) {
		if len(delays) > 0 {
			s.delays = delays
		}
	}
}

// WithAttemptTimeout overrides DefaultAttemptTimeout.
func WithAttemptTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a delivery service. secrets is required.
func NewService(secrets SecretFunc, opts ...ServiceOption) (*Service, error) {
	if secrets == nil {
		return nil, fmt.Errorf("webhook: secret source is required")
	}
	s := &Service{
		secrets: secrets,
		client:  &http.Client{},
		delays:  DefaultRetryDelays,
		timeout: DefaultAttemptTimeout,
		logger:  zap.NewNop(),
		jobs:    make(map[string]*job),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue registers a delivery of payload to url and starts the first
// attempt asynchronously. It returns the job id for Status queries.
func (s *Service) Enqueue(url, eventType string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("webhook: marshal payload: %w", err)
	}

	j := &job{
		id:      uuid.NewString(),
		url:     url,
		event:   eventType,
		payload: body,
		state:   JobPending,
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return "", fmt.Errorf("webhook: service is closed")
	default:
	}
	s.jobs[j.id] = j
	s.wg.Add(1)
	s.mu.Unlock()

	go s.deliver(j)
	return j.id, nil
}

// Status returns a snapshot of the job, or false when the id is unknown.
func (s *Service) Status(jobID string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return JobStatus{}, false
	}
	return JobStatus{
		ID:            j.id,
		URL:           j.url,
		Event:         j.event,
		State:         j.state,
		Attempts:      j.attempts,
		LastError:     j.lastError,
		LastAttemptAt: j.lastAt,
		CompletedAt:   j.doneAt,
	}, true
}

// RetryExhausted re-arms every exhausted job for a fresh round of
// attempts. Returns the number of jobs re-armed.
func (s *Service) RetryExhausted(ctx context.Context) int {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return 0
	default:
	}
	var rearmed []*job
	for _, j := range s.jobs {
		if j.state == JobExhausted {
			j.state = JobPending
			j.attempts = 0
			rearmed = append(rearmed, j)
		}
	}
	s.wg.Add(len(rearmed))
	s.mu.Unlock()

	for _, j := range rearmed {
		go s.deliver(j)
	}
	if len(rearmed) > 0 {
		s.logger.Info("re-armed exhausted webhooks", zap.Int("count", len(rearmed)))
	}
	return len(rearmed)
}

// Close stops retry timers and waits for in-flight attempts to finish.
// Pending jobs are left in their current state.
func (s *Service) Close() {
	s.stopped.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// deliver runs the attempt/backoff loop for one job.
func (s *Service) deliver(j *job) {
	defer s.wg.Done()

	maxAttempts := len(s.delays)
	for {
		err := s.attempt(j)

		s.mu.Lock()
		j.attempts++
		j.lastAt = time.Now()
		if err == nil {
			j.state = JobCompleted
			j.doneAt = time.Now()
			s.mu.Unlock()
			return
		}
		j.lastError = err.Error()
		if j.attempts >= maxAttempts {
			j.state = JobExhausted
			j.doneAt = time.Now()
			attempts := j.attempts
			s.mu.Unlock()
			s.logger.Error("webhook delivery failed after max retries",
				zap.Error(err),
				zap.String("webhookId", j.id),
				zap.String("webhookUrl", j.url),
				zap.Int("attempts", attempts),
			)
			return
		}
		delay := s.delays[j.attempts-1]
		s.mu.Unlock()

		s.logger.Warn("webhook delivery failed, scheduling retry",
			zap.Error(err),
			zap.String("webhookId", j.id),
			zap.Duration("delay", delay),
		)
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
	}
}

// attempt performs one signed POST to the job's target.
func (s *Service) attempt(j *job) error {
	secret, ok := s.secrets(j.url)
	if !ok {
		return fmt.Errorf("no webhook configuration for %s", j.url)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(j.payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, j.event)
	req.Header.Set(HeaderSignature, Sign(secret, ts, j.payload))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	return nil
}
