package raft

import (
	"time"

	"github.com/cuemby/aegis/pkg/clock"
	"github.com/cuemby/aegis/pkg/crypto"
	"github.com/cuemby/aegis/pkg/errs"
	"github.com/rs/zerolog"
)

const (
	minElectionTimeout = 50 * time.Millisecond
	maxElectionTimeout = 5 * time.Second

	minHeartbeatInterval = 10 * time.Millisecond
	maxHeartbeatInterval = time.Second

	minMaxEntriesPerRPC = 16
	maxMaxEntriesPerRPC = 1000
)

type options struct {
	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	heartbeatInterval  time.Duration
	maxEntriesPerRPC   int
	snapshotThreshold  int
	suspicionThreshold int
	quarantinePeriod   time.Duration
	configChangeTimeout time.Duration

	clock    clock.Clock
	logger   zerolog.Logger
	signer   crypto.Signer
	verifier crypto.Verifier
}

func defaultOptions() options {
	return options{
		electionTimeoutMin:  150 * time.Millisecond,
		electionTimeoutMax:  300 * time.Millisecond,
		heartbeatInterval:   50 * time.Millisecond,
		maxEntriesPerRPC:    100,
		snapshotThreshold:   1000,
		suspicionThreshold:  3,
		quarantinePeriod:    5 * time.Minute,
		configChangeTimeout: 30 * time.Second,
		clock:               clock.New(),
	}
}

// Option configures a Raft replica at construction time.
type Option func(*options) error

// WithElectionTimeout sets the [min, max) range elections are randomized
// within.
func WithElectionTimeout(min, max time.Duration) Option {
	return func(o *options) error {
		if min < minElectionTimeout || max > maxElectionTimeout || min >= max {
			return errs.New(errs.KindValidation, "raft: invalid election timeout range")
		}
		o.electionTimeoutMin = min
		o.electionTimeoutMax = max
		return nil
	}
}

// WithHeartbeatInterval sets the leader's heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) error {
		if d < minHeartbeatInterval || d > maxHeartbeatInterval {
			return errs.New(errs.KindValidation, "raft: invalid heartbeat interval")
		}
		o.heartbeatInterval = d
		return nil
	}
}

// WithMaxEntriesPerRPC bounds how many log entries one AppendEntries RPC
// carries.
func WithMaxEntriesPerRPC(n int) Option {
	return func(o *options) error {
		if n < minMaxEntriesPerRPC || n > maxMaxEntriesPerRPC {
			return errs.New(errs.KindValidation, "raft: invalid max entries per rpc")
		}
		o.maxEntriesPerRPC = n
		return nil
	}
}

// WithSnapshotThreshold sets the log size above which a snapshot is taken.
func WithSnapshotThreshold(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errs.New(errs.KindValidation, "raft: snapshot threshold must be positive")
		}
		o.snapshotThreshold = n
		return nil
	}
}

// WithSuspicionThreshold sets how many envelope anomalies from one peer
// trigger quarantine.
func WithSuspicionThreshold(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errs.New(errs.KindValidation, "raft: suspicion threshold must be positive")
		}
		o.suspicionThreshold = n
		return nil
	}
}

// WithQuarantinePeriod sets how long a quarantined peer is excluded from
// the local peer set.
func WithQuarantinePeriod(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return errs.New(errs.KindValidation, "raft: quarantine period must be positive")
		}
		o.quarantinePeriod = d
		return nil
	}
}

// WithClock injects the clock collaborator, overriding the system clock.
// Tests use this to make elections and heartbeats deterministic.
func WithClock(c clock.Clock) Option {
	return func(o *options) error {
		if c == nil {
			return errs.New(errs.KindValidation, "raft: clock must not be nil")
		}
		o.clock = c
		return nil
	}
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithSigning installs a signer/verifier pair so outgoing envelopes are
// signed and inbound ones checked; unset, signatures are skipped.
func WithSigning(signer crypto.Signer, verifier crypto.Verifier) Option {
	return func(o *options) error {
		o.signer = signer
		o.verifier = verifier
		return nil
	}
}
