package stun

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// Default retransmission settings.
const (
	DefaultMaxRetries = 7
	DefaultRTO        = 100 * time.Millisecond
)

// PacketWriter is the part of net.PacketConn a transaction sends through.
type PacketWriter interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// Transactions tracks outstanding requests and matches responses to them by
// transaction ID. Reading from the socket is the caller's job: every
// received response has to be handed to Handle.
type Transactions struct {
	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int

	// RTO is the initial retransmission timeout, doubled on every attempt.
	RTO time.Duration

	log logging.LeveledLogger

	mu      sync.Mutex
	pending map[TransactionID]*transaction
	done    chan struct{}
	once    sync.Once
}

type transaction struct {
	key []byte
	res chan response
}

type response struct {
	msg  *Message
	from net.Addr
}

// NewTransactions returns a manager with the default retry schedule.
// log may be nil.
func NewTransactions(log logging.LeveledLogger) *Transactions {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("stun")
	}
	return &Transactions{
		MaxRetries: DefaultMaxRetries,
		RTO:        DefaultRTO,
		log:        log,
		pending:    make(map[TransactionID]*transaction),
		done:       make(chan struct{}),
	}
}

// Do sends req to dst through conn and waits for the matching response.
//
// The request is encoded with MESSAGE-INTEGRITY when key is non-nil (and
// a response must then carry a valid one) and always with FINGERPRINT. It
// is retransmitted after RTO, 2*RTO, 4*RTO... until MaxRetries
// retransmissions went unanswered, which yields ErrTimeout. An error-class
// response yields *ErrorResponse. The returned address is where the
// response came from.
func (t *Transactions) Do(ctx context.Context, conn PacketWriter, dst net.Addr, req *Message, key []byte) (*Message, net.Addr, error) {
	tx := &transaction{
		key: key,
		res: make(chan response, 1),
	}
	if err := t.register(req.TransactionID, tx); err != nil {
		return nil, nil, err
	}
	defer t.unregister(req.TransactionID)

	raw := req.Encode(key)
	rto := t.RTO
	if rto <= 0 {
		rto = DefaultRTO
	}

	var timer *time.Timer
	for attempt := 0; ; attempt++ {
		if _, err := conn.WriteTo(raw, dst); err != nil {
			return nil, nil, err
		}
		if timer == nil {
			timer = time.NewTimer(rto)
			defer timer.Stop()
		} else {
			timer.Reset(rto)
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()

		case <-t.done:
			return nil, nil, ErrClosed

		case r := <-tx.res:
			if r.msg.Class == ClassErrorResponse {
				er := &ErrorResponse{}
				if ec, ok := r.msg.Get(AttrErrorCode).(ErrorCode); ok {
					er.Code, er.Reason = ec.Code, ec.Reason
				}
				return r.msg, r.from, er
			}
			return r.msg, r.from, nil

		case <-timer.C:
			if attempt >= t.MaxRetries {
				t.log.Tracef("transaction %s to %s timed out after %d attempts", req.TransactionID, dst, attempt+1)
				return nil, nil, ErrTimeout
			}
			rto *= 2
			t.log.Tracef("retransmitting %s to %s (rto %s)", req.TransactionID, dst, rto)
		}
	}
}

// Handle delivers a received response to its pending transaction. It
// returns false when msg is not a response or no transaction waits for it,
// in which case the message is discarded.
func (t *Transactions) Handle(msg *Message, from net.Addr) bool {
	if msg.Class != ClassSuccessResponse && msg.Class != ClassErrorResponse {
		return false
	}

	t.mu.Lock()
	tx, ok := t.pending[msg.TransactionID]
	t.mu.Unlock()
	if !ok {
		t.log.Tracef("discarding response for unknown transaction %s from %s", msg.TransactionID, from)
		return false
	}

	// Success responses must be authenticated when the request was.
	// Error responses may legitimately lack integrity (400, 401).
	if tx.key != nil && (msg.Class == ClassSuccessResponse || msg.HasIntegrity()) {
		if err := msg.CheckIntegrity(tx.key); err != nil {
			t.log.Warnf("discarding response %s from %s: %v", msg.TransactionID, from, err)
			return false
		}
	}

	select {
	case tx.res <- response{msg: msg, from: from}:
	default:
		// a retransmitted response already completed the transaction
	}
	return true
}

// Pending returns the number of outstanding transactions.
func (t *Transactions) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close fails every pending transaction with ErrClosed and makes further
// calls to Do fail immediately. Close is safe to call multiple times.
func (t *Transactions) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		close(t.done)
		t.mu.Unlock()
	})
}

func (t *Transactions) register(id TransactionID, tx *transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if _, dup := t.pending[id]; dup {
		return ErrDuplicateTransaction
	}
	t.pending[id] = tx
	return nil
}

func (t *Transactions) unregister(id TransactionID) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
