package matcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/crewharbor/payments/internal/ledger"
)

// Directory is the read-only view of the platform's user store. Each lookup
// returns zero, one or many user ids; the matcher never sees profile data.
type Directory interface {
	LookupByCorrelationToken(ctx context.Context, token string) ([]int64, error)
	LookupByPhone(ctx context.Context, phone string) ([]int64, error)
	LookupByEmail(ctx context.Context, email string) ([]int64, error)
}

var (
	// ErrNoMatch means no strategy produced a candidate.
	ErrNoMatch = errors.New("matcher: no matching user")
	// ErrAmbiguousMatch means a strategy produced more than one candidate.
	// Shared contact details (household phone numbers in particular) are a
	// real occurrence; resolution is always manual, never a guess.
	ErrAmbiguousMatch = errors.New("matcher: multiple matching users")
)

// Matcher resolves payment events to user ids via ordered strategies.
type Matcher struct {
	dir            Directory
	defaultCountry string // dialing prefix applied to national numbers, e.g. "+91"
}

// New creates a matcher over the given directory. defaultCountry is the
// dialing prefix assumed for phone numbers without one.
func New(dir Directory, defaultCountry string) *Matcher {
	return &Matcher{dir: dir, defaultCountry: defaultCountry}
}

// Resolve finds the single user an event belongs to. Strategies run in order
// of signal strength: correlation token (issued at checkout, strongest),
// normalized phone, then email. The first strategy that yields exactly one
// candidate wins; one that yields several aborts with ErrAmbiguousMatch
// rather than falling through, since a weaker signal must not override a
// stronger ambiguous one.
//
// Resolve reads only the event and the directory, so re-running it on an
// unchanged orphan is safe and yields the same answer.
func (m *Matcher) Resolve(ctx context.Context, ev *ledger.PaymentEvent) (int64, error) {
	type strategy struct {
		name   string
		lookup func(context.Context) ([]int64, error)
	}

	var strategies []strategy
	if ev.CorrelationToken != "" {
		strategies = append(strategies, strategy{"correlation_token", func(ctx context.Context) ([]int64, error) {
			return m.dir.LookupByCorrelationToken(ctx, ev.CorrelationToken)
		}})
	}
	if phone, ok := NormalizePhone(ev.ContactPhone, m.defaultCountry); ok {
		strategies = append(strategies, strategy{"phone", func(ctx context.Context) ([]int64, error) {
			return m.dir.LookupByPhone(ctx, phone)
		}})
	}
	if email, ok := NormalizeEmail(ev.ContactEmail); ok {
		strategies = append(strategies, strategy{"email", func(ctx context.Context) ([]int64, error) {
			return m.dir.LookupByEmail(ctx, email)
		}})
	}

	for _, st := range strategies {
		ids, err := st.lookup(ctx)
		if err != nil {
			return 0, fmt.Errorf("matcher: %s lookup: %w", st.name, err)
		}
		switch len(ids) {
		case 0:
			continue
		case 1:
			log.Debug().
				Str("event_id", ev.ID).
				Str("strategy", st.name).
				Int64("user_id", ids[0]).
				Msg("event matched")
			return ids[0], nil
		default:
			log.Warn().
				Str("event_id", ev.ID).
				Str("strategy", st.name).
				Int("candidates", len(ids)).
				Msg("ambiguous match, leaving event orphaned")
			return 0, fmt.Errorf("%w: %d candidates via %s", ErrAmbiguousMatch, len(ids), st.name)
		}
	}
	return 0, ErrNoMatch
}
