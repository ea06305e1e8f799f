package events

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/synapsedb/synapse/pkg/log"
)

// Emitter delivers storage events to in-process broker subscribers and
// to an external sink over TCP as length-prefixed MsgPack frames.
// Emission never blocks callers: events enter a bounded channel and
// overflow is dropped. When the sink is unreachable, events spill into
// the durable journal and are re-delivered on reconnect.
type Emitter struct {
	nodeID   string
	sinkAddr string
	logger   zerolog.Logger
	journal  *Journal
	broker   *Broker

	ch     chan *Event
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEmitter creates an emitter. sinkAddr may be empty, in which case
// events only reach broker subscribers. journal may be nil to disable
// spilling; broker may be nil when no in-process consumers exist.
func NewEmitter(nodeID, sinkAddr string, journal *Journal, broker *Broker) *Emitter {
	return &Emitter{
		nodeID:   nodeID,
		sinkAddr: sinkAddr,
		logger:   log.WithComponent("events"),
		journal:  journal,
		broker:   broker,
		ch:       make(chan *Event, 1000),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (e *Emitter) Start() {
	go e.run()
}

// Stop terminates the delivery loop.
func (e *Emitter) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

// Emit fans the event out to broker subscribers and queues it for the
// sink without blocking. Sink overflow is dropped.
func (e *Emitter) Emit(event *Event) {
	if e.broker != nil {
		e.broker.Publish(event)
	}
	if e.sinkAddr == "" && e.journal == nil {
		return
	}
	select {
	case e.ch <- event:
	default:
		e.logger.Debug().Str("type", string(event.Type)).Msg("Event buffer full, dropping")
	}
}

// EmitMetrics emits a metrics snapshot event.
func (e *Emitter) EmitMetrics(conceptCount, edgeCount int, writtenTotal, droppedTotal uint64) {
	e.Emit(NewEvent(e.nodeID, EventMetricsSnapshot, map[string]string{
		"concepts": strconv.Itoa(conceptCount),
		"edges":    strconv.Itoa(edgeCount),
		"written":  strconv.FormatUint(writtenTotal, 10),
		"dropped":  strconv.FormatUint(droppedTotal, 10),
	}))
}

// EmitQueryPerformance emits a query latency event.
func (e *Emitter) EmitQueryPerformance(kind string, latency time.Duration, results int) {
	e.Emit(NewEvent(e.nodeID, EventQueryPerformance, map[string]string{
		"kind":       kind,
		"latency_us": strconv.FormatInt(latency.Microseconds(), 10),
		"results":    strconv.Itoa(results),
	}))
}

// EmitHNSWBuilt emits an index-built event.
func (e *Emitter) EmitHNSWBuilt(vectorCount int, buildTime time.Duration, dimension int) {
	e.Emit(NewEvent(e.nodeID, EventHNSWBuilt, map[string]string{
		"vectors":       strconv.Itoa(vectorCount),
		"build_time_ms": strconv.FormatInt(buildTime.Milliseconds(), 10),
		"dimension":     strconv.Itoa(dimension),
	}))
}

// EmitHNSWLoaded emits an index-loaded event.
func (e *Emitter) EmitHNSWLoaded(vectorCount int, loadTime time.Duration, persisted bool) {
	e.Emit(NewEvent(e.nodeID, EventHNSWLoaded, map[string]string{
		"vectors":      strconv.Itoa(vectorCount),
		"load_time_ms": strconv.FormatInt(loadTime.Milliseconds(), 10),
		"persisted":    strconv.FormatBool(persisted),
	}))
}

// EmitReconciliation emits a reconciliation cycle event.
func (e *Emitter) EmitReconciliation(entries int, elapsed time.Duration, flushed bool) {
	e.Emit(NewEvent(e.nodeID, EventReconciliation, map[string]string{
		"entries":    strconv.Itoa(entries),
		"elapsed_us": strconv.FormatInt(elapsed.Microseconds(), 10),
		"flushed":    strconv.FormatBool(flushed),
	}))
}

func (e *Emitter) run() {
	defer close(e.doneCh)

	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case event := <-e.ch:
			conn = e.deliver(conn, event)
		case <-e.stopCh:
			return
		}
	}
}

// deliver sends one event, spilling to the journal on failure. It also
// opportunistically drains the journal after a successful send.
func (e *Emitter) deliver(conn net.Conn, event *Event) net.Conn {
	if e.sinkAddr == "" {
		e.spill(event)
		return conn
	}

	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", e.sinkAddr, 2*time.Second)
		if err != nil {
			e.logger.Debug().Err(err).Msg("Event sink unreachable")
			e.spill(event)
			return nil
		}
	}

	if err := writeFrame(conn, event); err != nil {
		e.logger.Debug().Err(err).Msg("Event delivery failed")
		conn.Close()
		e.spill(event)
		return nil
	}

	e.drainJournal(conn)
	return conn
}

func (e *Emitter) spill(event *Event) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Append(event); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to journal event")
	}
}

func (e *Emitter) drainJournal(conn net.Conn) {
	if e.journal == nil {
		return
	}
	buffered, err := e.journal.Drain(256)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to drain event journal")
		return
	}
	for i, event := range buffered {
		if err := writeFrame(conn, event); err != nil {
			// Put the rest back; they redeliver on the next success.
			for _, rest := range buffered[i:] {
				e.spill(rest)
			}
			return
		}
	}
}

func writeFrame(conn net.Conn, event *Event) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	var frame [4]byte
	binary.BigEndian.PutUint32(frame[:], uint32(len(payload)))

	if err := conn.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(frame[:]); err != nil {
		return fmt.Errorf("failed to write event frame: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("failed to write event payload: %w", err)
	}
	return nil
}
