package remoting

import "expvar"

// channelMetrics record per-channel activity counters, exposed through
// [Channel.Metrics].
type channelMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int

	callIn      expvar.Int // inbound calls received
	callInErr   expvar.Int // inbound calls reporting an error
	callOut     expvar.Int // outbound calls initiated
	callOutErr  expvar.Int // outbound calls reporting an error
	callActive  expvar.Int // inbound calls currently executing
	callPending expvar.Int // outbound calls awaiting a response
	cancelIn    expvar.Int // cancellations received

	pipeBytesSent expvar.Int // payload bytes sent in PipeChunk commands
	pipeBytesAcked expvar.Int // payload bytes acknowledged via PipeAck
	exportsLive    expvar.Int // entries currently in the export table
	exportsTotal   expvar.Int // entries ever admitted to the export table

	emap *expvar.Map
}

func newChannelMetrics() *channelMetrics {
	m := &channelMetrics{emap: new(expvar.Map)}
	m.emap.Set("packets_received", &m.packetRecv)
	m.emap.Set("packets_sent", &m.packetSent)
	m.emap.Set("packets_dropped", &m.packetDropped)
	m.emap.Set("calls_in", &m.callIn)
	m.emap.Set("calls_in_failed", &m.callInErr)
	m.emap.Set("calls_active", &m.callActive)
	m.emap.Set("calls_out", &m.callOut)
	m.emap.Set("calls_out_failed", &m.callOutErr)
	m.emap.Set("calls_pending", &m.callPending)
	m.emap.Set("cancels_in", &m.cancelIn)
	m.emap.Set("pipe_bytes_sent", &m.pipeBytesSent)
	m.emap.Set("pipe_bytes_acked", &m.pipeBytesAcked)
	m.emap.Set("exports_live", &m.exportsLive)
	m.emap.Set("exports_total", &m.exportsTotal)
	return m
}
