// Package transaction drives one S2S transfer through its full
// create->send->confirm->commit/cancel lifecycle.
package transaction

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/myelnet/s2s/internal/restapi"
	"github.com/myelnet/s2s/internal/s2serr"
	"github.com/myelnet/s2s/internal/wire"
	"github.com/myelnet/s2s/peer"
	"github.com/rs/zerolog/log"
)

// State is one of the transaction lifecycle states.
type State int

const (
	Started State = iota
	DataExchanged
	Confirmed
	Completed
	Canceled
	Error
)

func (s State) String() string {
	switch s {
	case Started:
		return "STARTED"
	case DataExchanged:
		return "DATA_EXCHANGED"
	case Confirmed:
		return "CONFIRMED"
	case Completed:
		return "COMPLETED"
	case Canceled:
		return "CANCELED"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (s State) terminal() bool {
	return s == Completed || s == Canceled || s == Error
}

// Result is the immutable record emitted on a successful commit.
type Result struct {
	PacketsTransferred uint64
	Duration           time.Duration
	Message            string
	ShouldBackoff      bool
}

type sendOutcome struct {
	checksum string
	err      error
}

// Transaction is a single producer-to-peer transfer. It is not safe for
// concurrent use by multiple callers: one producer goroutine drives
// SendData/ConfirmAndComplete/Cancel/Abort in sequence.
type Transaction struct {
	adapter  *restapi.Adapter
	resource *restapi.TransactionResource
	portID   string
	peer     *peer.Peer

	enc *wire.Encoder
	pw  *io.PipeWriter

	sendResult chan sendOutcome

	mu    sync.Mutex
	state State

	shouldKeepAlive atomic.Bool
	ttlStop         chan struct{}
	ttlStopOnce     sync.Once
}

// New opens the client-side half of a transaction whose server-side
// resource has already been created, and begins streaming the send-data
// request body in the background. sendCtx governs the lifetime of that
// background HTTP call and should outlive the whole transaction, not
// just this constructor.
func New(sendCtx context.Context, adapter *restapi.Adapter, resource *restapi.TransactionResource, portID string, pr *peer.Peer) *Transaction {
	pr2, pw := io.Pipe()
	t := &Transaction{
		adapter:    adapter,
		resource:   resource,
		portID:     portID,
		peer:       pr,
		enc:        wire.NewEncoder(pw),
		pw:         pw,
		sendResult: make(chan sendOutcome, 1),
		state:      Started,
		ttlStop:    make(chan struct{}),
	}
	t.shouldKeepAlive.Store(true)

	go func() {
		checksum, err := adapter.SendFlowFiles(sendCtx, resource.ContentURL, pr2)
		t.sendResult <- sendOutcome{checksum: checksum, err: err}
	}()

	if resource.TTLSeconds > 0 {
		go runTTLTicker(sendCtx, adapter, resource.TransactionURL, resource.TTLSeconds, t.ttlStop, &t.shouldKeepAlive)
	}

	return t
}

// State returns the transaction's current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Peer returns the peer this transaction is bound to.
func (t *Transaction) Peer() *peer.Peer { return t.peer }

// SendData encodes and streams one packet. Legal only in Started or
// DataExchanged.
func (t *Transaction) SendData(p wire.DataPacket) error {
	t.mu.Lock()
	switch t.state {
	case Started, DataExchanged:
	default:
		t.mu.Unlock()
		return s2serr.New("sendData", s2serr.KindIllegalState, nil)
	}
	t.mu.Unlock()

	if err := t.enc.EncodePacket(p); err != nil {
		t.transitionTerminal(Error)
		return s2serr.New("sendData", s2serr.KindProtocol, err)
	}

	t.mu.Lock()
	t.state = DataExchanged
	t.mu.Unlock()
	return nil
}

// ConfirmAndComplete closes the encoder, compares checksums with the
// server, and commits. Legal only in DataExchanged.
func (t *Transaction) ConfirmAndComplete(ctx context.Context) (*Result, error) {
	t.mu.Lock()
	if t.state != DataExchanged {
		t.mu.Unlock()
		return nil, s2serr.New("confirmAndComplete", s2serr.KindIllegalState, nil)
	}
	t.mu.Unlock()

	clientChecksum := t.enc.Checksum()
	if err := t.enc.Close(); err != nil {
		t.transitionTerminal(Error)
		return nil, s2serr.New("confirmAndComplete", s2serr.KindProtocol, err)
	}

	outcome := <-t.sendResult
	if outcome.err != nil {
		t.transitionTerminal(Error)
		return nil, outcome.err
	}

	serverChecksum := strings.TrimSpace(outcome.checksum)
	if serverChecksum != clientChecksum {
		t.stopTTL()
		if _, err := t.adapter.CommitTransaction(ctx, t.resource.TransactionURL, clientChecksum, restapi.BadChecksum); err != nil {
			log.Warn().Err(err).Msg("s2s commit(BAD_CHECKSUM) failed")
		}
		t.transitionTerminal(Error)
		return nil, s2serr.New("confirmAndComplete", s2serr.KindChecksumMismatch, nil)
	}

	t.mu.Lock()
	t.state = Confirmed
	t.mu.Unlock()

	t.stopTTL()
	commit, err := t.adapter.CommitTransaction(ctx, t.resource.TransactionURL, clientChecksum, restapi.ConfirmTransaction)
	if err != nil {
		t.transitionTerminal(Error)
		return nil, err
	}

	t.transitionTerminal(Completed)
	return &Result{
		PacketsTransferred: commit.PacketsTransferred,
		Duration:           time.Duration(commit.DurationSeconds * float64(time.Second)),
		Message:            commit.Message,
		ShouldBackoff:      commit.ShouldBackoff,
	}, nil
}

// Cancel is a synchronous best-effort cancel: it unblocks the in-flight
// send, attempts commit(CANCEL), and swallows any transport error. A
// no-op if the transaction is already terminal.
func (t *Transaction) Cancel(ctx context.Context) {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.stopTTL()
	t.pw.CloseWithError(errCanceled)
	if outcome := <-t.sendResult; outcome.err != nil {
		log.Debug().Err(outcome.err).Msg("s2s send aborted by cancel")
	}

	if _, err := t.adapter.CommitTransaction(ctx, t.resource.TransactionURL, t.enc.Checksum(), restapi.CancelTransaction); err != nil {
		log.Warn().Err(err).Msg("s2s commit(CANCEL) failed, server will reclaim on ttl expiry")
	}
	t.transitionTerminal(Canceled)
}

// Abort transitions locally to Error without contacting the server: the
// TTL timer stops and the server reclaims the transaction on expiry. A
// no-op if the transaction is already terminal.
func (t *Transaction) Abort() {
	t.mu.Lock()
	if t.state.terminal() {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.stopTTL()
	t.pw.CloseWithError(errAborted)
	t.transitionTerminal(Error)
}

func (t *Transaction) transitionTerminal(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return
	}
	t.state = s
}

func (t *Transaction) stopTTL() {
	t.shouldKeepAlive.Store(false)
	t.ttlStopOnce.Do(func() { close(t.ttlStop) })
}

type transactionError string

func (e transactionError) Error() string { return string(e) }

const (
	errCanceled = transactionError("s2s: transaction canceled")
	errAborted  = transactionError("s2s: transaction aborted locally")
)

// runTTLTicker extends the server-side transaction TTL every
// max(1, ttl/2) seconds. It is a free function, not a method, so its
// goroutine closes only over narrow primitives — the adapter, the
// transaction URL, and the keep-alive flag — never the Transaction
// struct itself.
func runTTLTicker(ctx context.Context, adapter *restapi.Adapter, txURL string, ttlSeconds int, stop chan struct{}, keepAlive *atomic.Bool) {
	interval := time.Duration(ttlSeconds/2) * time.Second
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if !keepAlive.Load() {
				return
			}
			if err := adapter.ExtendTTL(ctx, txURL); err != nil {
				log.Warn().Err(err).Str("txUrl", txURL).Msg("s2s ttl extend failed")
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
