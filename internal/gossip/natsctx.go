package gossip

import (
	"context"

	"github.com/ipfs/go-cid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// cidHeader carries the publisher's own recomputed CID for the message
// body, so a subscriber never has to take a peer's identity claim on
// faith: it re-derives the hash and compares.
const cidHeader = "Cid"

// publishWithTrace injects the current span's trace context into the
// NATS message headers before publishing, so a receipt's journey across
// the gossip network stays attached to the trace that produced it. It
// also stamps msgCID into the Cid header for the subscriber to verify.
func publishWithTrace(ctx context.Context, nc *nats.Conn, subject string, data []byte, msgCID cid.Cid) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	hdr.Set(cidHeader, msgCID.String())
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// subscribeWithTrace wraps nc.Subscribe, extracting trace context from
// each message's headers and starting a child span before invoking
// handler.
func subscribeWithTrace(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("ipvm-gossip")
		ctx, span := tr.Start(ctx, "gossip.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
