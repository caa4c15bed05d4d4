// Package relay implements the tokenization relay protocol for one gate
// page: a per-session state machine that validates card input, exchanges
// it for a processor token exactly once at a time, and addresses the
// resulting card_token message to the verified parent origin only.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cardgate-api/card"
	"cardgate-api/models"
)

// State is the relay lifecycle position for a session.
type State int

const (
	StateIdle State = iota
	StateValidating
	StateTokenizing
	StateTokenized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateTokenizing:
		return "tokenizing"
	case StateTokenized:
		return "tokenized"
	default:
		return "unknown"
	}
}

var (
	// ErrTokenizeInFlight rejects re-entrant tokenize triggers while a
	// request is outstanding.
	ErrTokenizeInFlight = errors.New("tokenization already in flight")
	// ErrCardInvalid means the latest input snapshot did not pass
	// validation, so no tokenize request may be issued.
	ErrCardInvalid = errors.New("card fields are not all valid")
	// ErrInputChanged means the card fields were edited while a tokenize
	// request was outstanding; the stale token is discarded.
	ErrInputChanged = errors.New("card input changed during tokenization")
	// ErrOriginMismatch marks an inbound message whose origin differs
	// from the session's verified origin. Callers drop it silently.
	ErrOriginMismatch = errors.New("message origin does not match session origin")
	// ErrNoToken guards the purchase trigger.
	ErrNoToken = errors.New("card not tokenized yet")
	// ErrSessionDisposed is returned after Dispose.
	ErrSessionDisposed = errors.New("session disposed")
)

// DefaultTokenizeTimeout bounds the processor call so a hung network
// request cannot leave the session stuck in Tokenizing.
const DefaultTokenizeTimeout = 15 * time.Second

// Tokenizer exchanges raw card data for an opaque token. The session is
// the only caller; raw card data never travels anywhere else.
type Tokenizer interface {
	Tokenize(ctx context.Context, in card.Input) (*models.TokenizeResult, error)
}

// Envelope is an outbound cross-frame message together with the single
// origin it may be delivered to.
type Envelope struct {
	TargetOrigin string                  `json:"target_origin"`
	Message      models.CardTokenMessage `json:"message"`
}

// Session owns the relay state for one gate page. All mutable state that
// the original widget kept in page globals (token, tokenizing flag) is an
// explicit field here, guarded by one mutex.
type Session struct {
	ID         string
	MerchantID string

	origin    string
	tokenizer Tokenizer
	timeout   time.Duration
	now       func() time.Time

	mu         sync.Mutex
	state      State
	input      card.Input
	result     card.Result
	gen        uint64
	tokenizing bool
	token      string
	maskedPAN  string
	disposed   bool
	touched    time.Time
}

// NewSession binds a session to a verified parent origin. The origin is
// immutable for the session's lifetime.
func NewSession(id, merchantID, origin string, tz Tokenizer) *Session {
	s := &Session{
		ID:         id,
		MerchantID: merchantID,
		origin:     origin,
		tokenizer:  tz,
		timeout:    DefaultTokenizeTimeout,
		now:        time.Now,
	}
	s.touched = s.now()
	return s
}

// SetClock overrides the time source, used by tests to pin the expiry
// comparison month.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// SetTokenizeTimeout overrides the processor call deadline.
func (s *Session) SetTokenizeTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Origin returns the verified parent origin the session relays to.
func (s *Session) Origin() string {
	return s.origin
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Result returns the validation outcome of the latest input snapshot.
func (s *Session) Result() card.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// UpdateInput replaces the input snapshot and re-validates synchronously.
// Any edit invalidates a previously issued token: a Tokenized session
// falls back to Idle and must re-tokenize before purchase.
func (s *Session) UpdateInput(in card.Input) card.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return card.Result{}
	}

	s.touched = s.now()
	if in == s.input {
		return s.result
	}

	s.input = in
	s.gen++
	s.result = card.Validate(in, s.now())

	if s.token != "" {
		s.token = ""
		s.maskedPAN = ""
	}
	if !s.tokenizing {
		if s.result.AllValid() {
			s.state = StateValidating
		} else {
			s.state = StateIdle
		}
	}
	return s.result
}

// Tokenize issues the single outbound request carrying raw card data.
// It refuses to run unless every field is valid, and enforces the
// single-flight guarantee: a second trigger while one request is
// outstanding returns ErrTokenizeInFlight without touching the network.
func (s *Session) Tokenize(ctx context.Context) (*Envelope, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	if s.tokenizing {
		s.mu.Unlock()
		return nil, ErrTokenizeInFlight
	}
	if !s.result.AllValid() {
		s.mu.Unlock()
		return nil, ErrCardInvalid
	}
	if s.token != "" {
		env := s.envelopeLocked()
		s.mu.Unlock()
		return env, nil
	}

	in := card.Input{
		PAN:    card.Digits(s.input.PAN),
		Expiry: s.input.Expiry,
		CVV:    s.input.CVV,
	}
	gen := s.gen
	timeout := s.timeout
	s.tokenizing = true
	s.state = StateTokenizing
	s.touched = s.now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := s.tokenizer.Tokenize(ctx, in)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenizing = false
	s.touched = s.now()

	if err != nil {
		// Generic surface only: the tokenizer error must never carry
		// card data, and neither may this log line.
		log.Printf("Tokenization failed for session %s: %v", s.ID, err)
		s.state = StateIdle
		return nil, fmt.Errorf("tokenization failed: %w", err)
	}

	if s.gen != gen {
		// Fields were edited mid-flight; the token no longer matches
		// what the user sees.
		s.state = StateIdle
		return nil, ErrInputChanged
	}

	s.token = res.Token
	s.maskedPAN = res.MaskedPAN
	s.state = StateTokenized
	return s.envelopeLocked(), nil
}

func (s *Session) envelopeLocked() *Envelope {
	return &Envelope{
		TargetOrigin: s.origin,
		Message: models.CardTokenMessage{
			Type:      models.MessageTypeCardToken,
			Token:     s.token,
			MaskedPAN: s.maskedPAN,
		},
	}
}

// Envelope returns the card_token message for the parent frame, if the
// session holds a token.
func (s *Session) Envelope() (*Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return nil, false
	}
	return s.envelopeLocked(), true
}

// Token returns the stored processor token. The purchase trigger is
// gated on the second return value.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// AcceptMessage applies an inbound cross-frame message. Messages from
// any origin other than the verified one never reach session state: they
// are logged and reported as ErrOriginMismatch so the caller can drop
// them silently.
func (s *Session) AcceptMessage(origin string, msg models.ParentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return ErrSessionDisposed
	}
	if origin != s.origin {
		log.Printf("Blocked message from unauthorized origin %q for session %s", origin, s.ID)
		return ErrOriginMismatch
	}
	s.touched = s.now()
	return nil
}

// LastActive reports when the session last saw an event.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

// Dispose clears card data and the token and makes the session inert.
func (s *Session) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = card.Input{}
	s.result = card.Result{}
	s.token = ""
	s.maskedPAN = ""
	s.state = StateIdle
	s.disposed = true
}
