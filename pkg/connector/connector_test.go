package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbeema/wiretap/pkg/discovery"
	"github.com/mbeema/wiretap/pkg/health"
	"github.com/mbeema/wiretap/pkg/hook"
	"github.com/mbeema/wiretap/pkg/protocol"
	"github.com/mbeema/wiretap/pkg/protocol/cql"
	"github.com/mbeema/wiretap/pkg/protocol/cql/cqltest"
	"github.com/mbeema/wiretap/pkg/table"
	"github.com/mbeema/wiretap/pkg/traces"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

const (
	clientPID = 4100
	serverPID = 4200
)

var keyspaceCols = []string{"keyspace_name", "durable_writes", "replication"}

const keyspacesSummary = "Response type = ROWS\n" +
	"Number of columns = 3\n" +
	`["keyspace_name","durable_writes","replication"]` + "\n" +
	"Number of rows = 13"

func upidOf(pid uint32) discovery.UPID {
	return discovery.UPID{PID: pid, StartTimeNs: uint64(pid) * 1000}
}

func newTestConnector(t *testing.T, cfg Config) (*Connector, *health.Stats) {
	t.Helper()
	stats := health.NewStats()
	c := New(cfg, discovery.NewResolver(0, nil, zap.NewNop()), stats, zap.NewNop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, stats
}

func feed(t *testing.T, c *Connector, evs ...*hook.RawEvent) {
	t.Helper()
	for _, ev := range evs {
		c.Ingest(ev)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func transfer(t *testing.T, c *Connector) *table.Table {
	t.Helper()
	tb := table.New(0)
	if err := c.TransferData(tb); err != nil {
		t.Fatalf("TransferData: %v", err)
	}
	return tb
}

// conversation builds capture events as seen from one endpoint of a
// connection.
type conversation struct {
	pid  uint32
	fd   int32
	ts   uint64
	role hook.Direction // direction the endpoint sends requests in
}

func clientSide(fd int32) *conversation {
	return &conversation{pid: clientPID, fd: fd, ts: 1000, role: hook.DirSend}
}

func serverSide(fd int32) *conversation {
	return &conversation{pid: serverPID, fd: fd, ts: 1000, role: hook.DirRecv}
}

func (cv *conversation) event(dir hook.Direction, payload []byte) *hook.RawEvent {
	cv.ts += 100
	return &hook.RawEvent{
		Kind:        hook.KindData,
		PID:         cv.pid,
		StartTimeNs: upidOf(cv.pid).StartTimeNs,
		FD:          cv.fd,
		Direction:   dir,
		TimestampNs: cv.ts,
		OriginalLen: uint32(len(payload)),
		Payload:     payload,
	}
}

func (cv *conversation) request(frame []byte) *hook.RawEvent {
	return cv.event(cv.role, frame)
}

func (cv *conversation) response(frame []byte) *hook.RawEvent {
	return cv.event(cv.role^1, frame)
}

// truncated is a single syscall carrying frame, cut at the capture ceiling.
func (cv *conversation) truncated(dir hook.Direction, frame []byte) *hook.RawEvent {
	ev := cv.event(dir, frame[:hook.MaxPayload])
	ev.OriginalLen = uint32(len(frame))
	return ev
}

func (cv *conversation) lifecycle(kind hook.Kind) *hook.RawEvent {
	cv.ts += 100
	return &hook.RawEvent{
		Kind:        kind,
		PID:         cv.pid,
		StartTimeNs: upidOf(cv.pid).StartTimeNs,
		FD:          cv.fd,
		TimestampNs: cv.ts,
		RemotePort:  9042,
	}
}

func TestKeyspacesScenario(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	cv := clientSide(7)

	feed(t, c,
		cv.request(cqltest.Query(12, "SELECT * FROM system_schema.keyspaces")),
		cv.response(cqltest.RowsResult(12, "system_schema", "keyspaces", keyspaceCols, 13, 64)),
	)
	tb := transfer(t, c)

	idx := table.SelectByProcessIdentity(tb, UPIDValue(upidOf(clientPID)))
	if len(idx) != 1 {
		t.Fatalf("got %d rows for client, want 1", len(idx))
	}
	r, _ := tb.Row(idx[0])
	if r.ReqOp != int64(cql.ReqQuery) || r.RespOp != int64(cql.RespResult) {
		t.Errorf("ops = %d/%d, want QUERY/RESULT", r.ReqOp, r.RespOp)
	}
	if r.ReqBody != "SELECT * FROM system_schema.keyspaces" {
		t.Errorf("req_body = %q", r.ReqBody)
	}
	if r.RespBody != keyspacesSummary {
		t.Errorf("resp_body = %q, want %q", r.RespBody, keyspacesSummary)
	}
	if r.LatencyNs != 100 || r.Time != r.RespTimestampNs || r.FD != 7 {
		t.Errorf("latency/time/fd = %d/%d/%d", r.LatencyNs, r.Time, r.FD)
	}
}

func TestStartupReady(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	cv := clientSide(3)

	feed(t, c,
		cv.lifecycle(hook.KindConnect),
		cv.request(cqltest.Startup(0, "CQL_VERSION", "3.0.0")),
		cv.response(cqltest.Ready(0)),
	)
	tb := transfer(t, c)
	if tb.Len() != 1 {
		t.Fatalf("Len = %d, want 1", tb.Len())
	}
	r, _ := tb.Row(0)
	if r.ReqOp != int64(cql.ReqStartup) || r.RespOp != int64(cql.RespReady) {
		t.Errorf("ops = %d/%d, want STARTUP/READY", r.ReqOp, r.RespOp)
	}
	if r.ReqBody != `{"CQL_VERSION":"3.0.0"}` {
		t.Errorf("req_body = %q", r.ReqBody)
	}
	if r.RespBody != "" {
		t.Errorf("resp_body = %q, want empty", r.RespBody)
	}
}

// Both endpoints of one session are traced. The server writes a large
// result in two syscalls, each under the capture ceiling; the client reads
// it in one, which the capture cuts short. Only the client loses the
// transaction, and the stream stays usable afterwards on both sides.
func TestTruncationAsymmetry(t *testing.T) {
	c, stats := newTestConnector(t, Config{})
	cli, srv := clientSide(9), serverSide(11)

	big := cqltest.RowsResult(3, "ks", "blobs", []string{"id", "data"}, 500, 40*1024)
	if len(big) <= hook.MaxPayload {
		t.Fatalf("fixture of %d bytes does not exceed the ceiling", len(big))
	}
	half := len(big) / 2

	session := func(cv *conversation, bigResponse ...*hook.RawEvent) []*hook.RawEvent {
		evs := []*hook.RawEvent{
			cv.request(cqltest.Startup(0, "CQL_VERSION", "3.0.0")),
			cv.response(cqltest.Ready(0)),
			cv.request(cqltest.Query(3, "SELECT * FROM ks.blobs")),
		}
		evs = append(evs, bigResponse...)
		return append(evs,
			cv.request(cqltest.Query(4, "SELECT * FROM system_schema.keyspaces")),
			cv.response(cqltest.RowsResult(4, "system_schema", "keyspaces", keyspaceCols, 13, 0)),
		)
	}

	feed(t, c, session(srv,
		srv.response(big[:half]),
		srv.response(big[half:]),
	)...)
	feed(t, c, session(cli,
		cli.truncated(hook.DirRecv, big),
	)...)

	tb := transfer(t, c)
	clientRows := table.SelectByPID(tb, clientPID)
	serverRows := table.SelectByPID(tb, serverPID)
	if len(serverRows) != 3 {
		t.Errorf("server rows = %d, want 3", len(serverRows))
	}
	if len(clientRows) != 2 {
		t.Errorf("client rows = %d, want 2", len(clientRows))
	}

	// The transaction after the truncated one survives on the client.
	last, _ := tb.Row(clientRows[len(clientRows)-1])
	if last.RespBody != keyspacesSummary {
		t.Errorf("client last resp_body = %q", last.RespBody)
	}
	if got := testutil.ToFloat64(stats.CaptureLoss.WithLabelValues("truncated")); got != 1 {
		t.Errorf("capture_loss{truncated} = %v, want 1", got)
	}

	// The client's orphaned request expires.
	if err := c.Cleanup(context.Background(), time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(stats.Expired); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
}

func TestTransferDataIdempotent(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	cv := clientSide(5)

	feed(t, c, cv.request(cqltest.Options(1)), cv.response(cqltest.VoidResult(1)))

	tb := table.New(0)
	if err := c.TransferData(tb); err != nil {
		t.Fatal(err)
	}
	if err := c.TransferData(tb); err != nil {
		t.Fatal(err)
	}
	if tb.Len() != 1 {
		t.Fatalf("Len after two drains = %d, want 1", tb.Len())
	}

	feed(t, c, cv.request(cqltest.Options(2)), cv.response(cqltest.VoidResult(2)))
	if err := c.TransferData(tb); err != nil {
		t.Fatal(err)
	}
	if tb.Len() != 2 {
		t.Errorf("Len after new data = %d, want 2", tb.Len())
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", c.Pending())
	}
}

func TestTransferDataTableFullKeepsRows(t *testing.T) {
	c, stats := newTestConnector(t, Config{})
	cv := clientSide(5)
	feed(t, c,
		cv.request(cqltest.Options(1)), cv.response(cqltest.VoidResult(1)),
		cv.request(cqltest.Options(2)), cv.response(cqltest.VoidResult(2)),
	)

	small := table.New(1)
	if err := c.TransferData(small); !errors.Is(err, table.ErrTableFull) {
		t.Fatalf("err = %v, want ErrTableFull", err)
	}
	if c.Pending() != 2 {
		t.Errorf("Pending = %d, want rows kept", c.Pending())
	}
	if got := testutil.ToFloat64(stats.TransferErrors); got != 1 {
		t.Errorf("transfer_errors = %v, want 1", got)
	}
	if tb := transfer(t, c); tb.Len() != 2 {
		t.Errorf("Len = %d, want 2", tb.Len())
	}
}

func TestProcessFiltering(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	a, b := clientSide(5), serverSide(5)

	feed(t, c,
		a.request(cqltest.Query(1, "SELECT 1")),
		b.request(cqltest.Query(1, "SELECT 2")),
		a.response(cqltest.VoidResult(1)),
		b.response(cqltest.VoidResult(1)),
		a.request(cqltest.Query(2, "SELECT 3")),
		a.response(cqltest.VoidResult(2)),
	)
	tb := transfer(t, c)

	rows := table.SelectByProcessIdentity(tb, UPIDValue(upidOf(clientPID)))
	if len(rows) != 2 {
		t.Fatalf("client rows = %d, want 2", len(rows))
	}
	for _, i := range rows {
		if body := tb.ReqBody(i); body == "SELECT 2" {
			t.Errorf("row %d belongs to the server process", i)
		}
	}
	// Same pid, different start time: a different process.
	reused := discovery.UPID{PID: clientPID, StartTimeNs: 1}
	if got := table.SelectByProcessIdentity(tb, UPIDValue(reused)); len(got) != 0 {
		t.Errorf("rows for reused pid = %v, want none", got)
	}
}

func TestOpcodeDomains(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	cv := clientSide(8)

	feed(t, c,
		cv.request(cqltest.Options(0)),
		cv.response(cqltest.Frame(cqltest.V4Response, 0, 0, cqltest.OpSupport,
			new(cqltest.Body).Short(1).Str("COMPRESSION").StrList("snappy").Build())),
		cv.request(cqltest.Startup(1, "CQL_VERSION", "3.0.0")),
		cv.response(cqltest.Ready(1)),
		cv.request(cqltest.Register(2, "TOPOLOGY_CHANGE", "STATUS_CHANGE")),
		cv.response(cqltest.Ready(2)),
		cv.request(cqltest.Query(3, "SELECT nope FROM ks.t")),
		cv.response(cqltest.Error(3, 0x2200, "Undefined column name nope")),
	)
	tb := transfer(t, c)
	if tb.Len() != 4 {
		t.Fatalf("Len = %d, want 4", tb.Len())
	}
	for i := 0; i < tb.Len(); i++ {
		if !cql.IsReqOp(uint8(tb.ReqOp(i))) {
			t.Errorf("row %d: req_op %d is not a request opcode", i, tb.ReqOp(i))
		}
		if !cql.IsRespOp(uint8(tb.RespOp(i))) {
			t.Errorf("row %d: resp_op %d is not a response opcode", i, tb.RespOp(i))
		}
	}
	if got := tb.RespBody(3); got != "[8704] Undefined column name nope" {
		t.Errorf("error resp_body = %q", got)
	}
}

func TestPipelinedStreams(t *testing.T) {
	c, _ := newTestConnector(t, Config{})
	cv := clientSide(6)

	// Two requests in one write, responses in reverse order in one read.
	reqs := append(cqltest.Query(1, "SELECT a"), cqltest.Query(2, "SELECT b")...)
	resps := append(cqltest.Error(2, 0x2200, "b failed"), cqltest.VoidResult(1)...)
	feed(t, c, cv.request(reqs), cv.response(resps))

	tb := transfer(t, c)
	if tb.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tb.Len())
	}
	if tb.ReqBody(0) != "SELECT b" || tb.ReqBody(1) != "SELECT a" {
		t.Errorf("rows in order %q, %q; want response arrival order", tb.ReqBody(0), tb.ReqBody(1))
	}
}

func TestOrphansAndIncomplete(t *testing.T) {
	var incomplete []traces.Incomplete
	c, stats := newTestConnector(t, Config{
		Stitcher: traces.Config{ExpiryPolicy: traces.ExpiryEmitIncomplete},
	})
	c.OnIncomplete(func(in traces.Incomplete) { incomplete = append(incomplete, in) })
	cv := clientSide(4)

	feed(t, c,
		cv.response(cqltest.VoidResult(9)),
		cv.request(cqltest.Query(1, "SELECT slow")),
	)
	if tb := transfer(t, c); tb.Len() != 0 {
		t.Fatalf("Len = %d, want 0", tb.Len())
	}
	if got := testutil.ToFloat64(stats.Orphans); got != 1 {
		t.Errorf("orphans = %v, want 1", got)
	}

	if err := c.Cleanup(context.Background(), time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 1 || incomplete[0].Req.Body != "SELECT slow" {
		t.Fatalf("incomplete = %+v", incomplete)
	}
	if tb := transfer(t, c); tb.Len() != 0 {
		t.Errorf("incomplete requests must not reach the table, got %d rows", tb.Len())
	}
}

func TestCloseFlushesAndExpires(t *testing.T) {
	c, stats := newTestConnector(t, Config{})
	cv := clientSide(2)

	feed(t, c,
		cv.lifecycle(hook.KindConnect),
		cv.request(cqltest.Query(1, "SELECT 1")),
		cv.request(cqltest.Query(2, "SELECT 2")),
		cv.response(cqltest.VoidResult(1)),
		cv.lifecycle(hook.KindClose),
	)
	if tb := transfer(t, c); tb.Len() != 1 {
		t.Errorf("Len = %d, want 1", tb.Len())
	}
	if got := testutil.ToFloat64(stats.Expired); got != 1 {
		t.Errorf("expired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(stats.Connections); got != 0 {
		t.Errorf("tracked connections = %v, want 0", got)
	}
}

func TestIngestDropsOldestWhenFull(t *testing.T) {
	stats := health.NewStats()
	c := New(Config{Shards: 1, QueueDepth: 2}, discovery.NewResolver(0, nil, zap.NewNop()), stats, zap.NewNop())
	cv := clientSide(1)

	first := cv.request(cqltest.Query(1, "first"))
	c.Ingest(first)
	c.Ingest(cv.request(cqltest.Query(2, "second")))
	c.Ingest(cv.request(cqltest.Query(3, "third")))

	if got := testutil.ToFloat64(stats.CaptureLoss.WithLabelValues("queue_overflow")); got != 1 {
		t.Errorf("queue_overflow = %v, want 1", got)
	}
	q := c.shards[0].queue
	if q.len() != 2 || q.items[0].ev == first {
		t.Error("oldest event should have been dropped")
	}
	if len(q.lost) != 1 || q.lost[0].id.FD != 1 {
		t.Errorf("lost = %+v, want one record for fd 1", q.lost)
	}
}

func TestBurstDoesNotEvictQuietConnection(t *testing.T) {
	stats := health.NewStats()
	c := New(Config{Shards: 1, QueueDepth: 2}, discovery.NewResolver(0, nil, zap.NewNop()), stats, zap.NewNop())
	quiet := clientSide(1)
	noisy := clientSide(2)

	c.Ingest(quiet.request(cqltest.Query(1, "SELECT quiet")))
	c.Ingest(noisy.request(cqltest.Query(1, "SELECT noisy 1")))
	c.Ingest(noisy.request(cqltest.Query(2, "SELECT noisy 2")))
	c.Ingest(quiet.response(cqltest.VoidResult(1)))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	tb := transfer(t, c)
	if tb.Len() != 1 || tb.ReqBody(0) != "SELECT quiet" {
		t.Fatalf("rows = %+v, want the quiet connection's query", tb.Snapshot())
	}
	if got := testutil.ToFloat64(stats.CaptureLoss.WithLabelValues("queue_overflow")); got != 2 {
		t.Errorf("queue_overflow = %v, want 2", got)
	}
}

func TestQueueOverflowResyncsVictimStream(t *testing.T) {
	stats := health.NewStats()
	c := New(Config{Shards: 1, QueueDepth: 2}, discovery.NewResolver(0, nil, zap.NewNop()), stats, zap.NewNop())
	s := c.shards[0]
	cv := clientSide(3)

	c.Ingest(cv.request(cqltest.Query(1, "SELECT one")))
	c.Ingest(cv.response(cqltest.VoidResult(1)))
	s.drain()

	// The connection is classified now; its oldest queued event is evicted
	// on overflow.
	c.Ingest(cv.request(cqltest.Query(2, "SELECT two")))
	c.Ingest(cv.request(cqltest.Query(3, "SELECT three")))
	c.Ingest(cv.response(cqltest.VoidResult(3)))
	s.drain()

	tb := transfer(t, c)
	if tb.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tb.Len())
	}
	if tb.ReqBody(1) != "SELECT three" {
		t.Errorf("ReqBody(1) = %q, want the query after the hole", tb.ReqBody(1))
	}
	if got := testutil.ToFloat64(stats.CaptureLoss.WithLabelValues("queue_overflow")); got != 1 {
		t.Errorf("queue_overflow = %v, want 1", got)
	}
}

func TestGarbageResync(t *testing.T) {
	c, stats := newTestConnector(t, Config{})
	cv := clientSide(12)

	// A frame with an unknown opcode, then a valid request.
	bad := cqltest.Frame(cqltest.V4Request, 0, 1, 0x33, nil)
	feed(t, c,
		cv.request(cqltest.Options(0)),
		cv.request(append(bad, cqltest.Query(2, "SELECT ok")...)),
		cv.response(cqltest.VoidResult(2)),
	)
	tb := transfer(t, c)
	if tb.Len() != 1 || tb.ReqBody(0) != "SELECT ok" {
		t.Fatalf("rows = %+v, want the valid query", tb.Snapshot())
	}
	if got := testutil.ToFloat64(stats.ParseErrors.WithLabelValues(protocol.Reason(cql.ErrUnknownOpcode))); got < 1 {
		t.Errorf("parse_errors{unknown_opcode} = %v, want >= 1", got)
	}
}

func TestSetPoliciesWhileRunning(t *testing.T) {
	var incomplete []traces.Incomplete
	c, stats := newTestConnector(t, Config{})
	c.OnIncomplete(func(in traces.Incomplete) { incomplete = append(incomplete, in) })
	cv := clientSide(6)

	feed(t, c, cv.request(cqltest.Query(1, "SELECT first")))
	if err := c.Cleanup(context.Background(), time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 0 {
		t.Fatalf("expiry policy drop emitted %d incomplete requests", len(incomplete))
	}

	if err := c.SetPolicies(context.Background(), traces.OrphanRecord, traces.ExpiryEmitIncomplete); err != nil {
		t.Fatalf("SetPolicies: %v", err)
	}
	feed(t, c, cv.request(cqltest.Query(2, "SELECT second")))
	if err := c.Cleanup(context.Background(), time.Now().Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(incomplete) != 1 || incomplete[0].Req.Body != "SELECT second" {
		t.Fatalf("incomplete = %+v", incomplete)
	}
	if got := testutil.ToFloat64(stats.Expired); got != 2 {
		t.Errorf("expired = %v, want 2", got)
	}
}
