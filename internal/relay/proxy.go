package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// proxy handles an envelope relayed from a gateway peer. Only command,
// control, and list may travel inside; anything else is counted and
// dropped.
func (r *Relay) proxy(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if st.State() != socket.StateGatewayAuth {
		return policyViolation(ReasonAccessDenied)
	}

	var inner envelope.ProxyEnvelope
	if err := envelope.UnmarshalPayload(env.Payload, &inner); err != nil {
		r.stats.InvalidProxyDropped.Inc()
		return nil
	}

	switch inner.Type {
	case envelope.TypeCommand:
		return r.proxyCommand(ctx, st, env, &inner)
	case envelope.TypeControl:
		return r.proxyControl(ctx, st, env, &inner)
	case envelope.TypeList:
		return r.proxyList(ctx, st, &inner)
	default:
		r.stats.InvalidProxyDropped.Inc()
		r.logger.Debug("proxy envelope with invalid inner type",
			logging.KeyMessageType, inner.Type)
		return nil
	}
}

// proxyCommand forwards the inner message to the locally-attached target.
// An agent target gets the encrypted wrapping; a portal target (the
// response direction) gets plaintext.
func (r *Relay) proxyCommand(ctx context.Context, peer *socket.State, env *envelope.Envelope, inner *envelope.ProxyEnvelope) error {
	forwarded := &envelope.Envelope{
		From:      inner.From,
		To:        inner.To,
		Type:      envelope.TypeCommand,
		MessageID: env.MessageID,
		Payload:   inner.InnerMessage,
	}

	if agent := r.dir.FindAgent(inner.OrganizationID, inner.To); agent != nil {
		if err := agent.Send(ctx, forwarded, envelope.Encrypt); err != nil {
			r.stats.RelayFailures.WithLabelValues("local_send").Inc()
			return nil
		}
		r.stats.EnvelopesSent.WithLabelValues(envelope.TypeCommand).Inc()
		// Remember the pair so the agent's replies route back through
		// this peer.
		if m := peer.Interest(); m != nil {
			m.Mark(inner.OrganizationID, inner.To)
		}
		return nil
	}

	portal := r.dir.FirstClient(func(c *socket.State) bool {
		return c.State() == socket.StatePortalAuth &&
			c.OrganizationID() == inner.OrganizationID &&
			c.ClientID() == inner.To
	})
	if portal != nil {
		if err := portal.Send(ctx, forwarded, envelope.PlainText); err != nil {
			r.stats.RelayFailures.WithLabelValues("local_send").Inc()
			return nil
		}
		r.stats.EnvelopesSent.WithLabelValues(envelope.TypeCommand).Inc()
		return nil
	}

	// A locally-attached client under another tenant means the proxy
	// addressed across the boundary; drop and count.
	if other := r.dir.FirstClient(func(c *socket.State) bool {
		return c.Authenticated() && c.ClientID() == inner.To
	}); other != nil {
		r.stats.CrossTenantDenials.Inc()
		r.stats.InvalidProxyDropped.Inc()
		return nil
	}

	r.stats.RelayFailures.WithLabelValues("not_found").Inc()
	return nil
}

// proxyControl completes the waiter registered when this node relayed the
// request out, keyed by the responding agent and the original message id.
func (r *Relay) proxyControl(ctx context.Context, peer *socket.State, env *envelope.Envelope, inner *envelope.ProxyEnvelope) error {
	// Request direction: the inner message is a control request heading
	// to a locally-attached agent.
	if agent := r.dir.FindAgent(inner.OrganizationID, inner.To); agent != nil {
		forwarded := &envelope.Envelope{
			From:      inner.From,
			To:        inner.To,
			Type:      envelope.TypeControl,
			MessageID: env.MessageID,
			Payload:   inner.InnerMessage,
		}
		if err := agent.Send(ctx, forwarded, envelope.Encrypt); err != nil {
			r.stats.RelayFailures.WithLabelValues("local_send").Inc()
			return nil
		}
		r.stats.EnvelopesSent.WithLabelValues(envelope.TypeControl).Inc()
		if m := peer.Interest(); m != nil {
			m.Mark(inner.OrganizationID, inner.To)
		}
		return nil
	}

	// Response direction: resolve the pending key (tenant, responder,
	// original message id).
	var resp envelope.ControlResponse
	if err := envelope.UnmarshalPayload(inner.InnerMessage, &resp); err != nil {
		r.stats.InvalidProxyDropped.Inc()
		return nil
	}
	key := pending.Key(inner.OrganizationID, inner.From, env.MessageID)
	if !r.pend.Complete(key, &resp) {
		r.logger.Debug("proxied control response with no waiter",
			logging.KeyClientID, inner.From, logging.KeyMessageID, env.MessageID)
	}
	return nil
}

// proxyList refreshes every locally-authenticated portal of the tenant by
// running the list behavior with a synthesized envelope.
func (r *Relay) proxyList(ctx context.Context, peer *socket.State, inner *envelope.ProxyEnvelope) error {
	for _, portal := range r.dir.PortalsInTenant(inner.OrganizationID) {
		synth := &envelope.Envelope{
			From:      portal.ClientID(),
			To:        r.settings.InstanceID,
			Type:      envelope.TypeList,
			MessageID: envelope.NewMessageID(),
		}
		if err := r.list(ctx, portal, synth); err != nil {
			r.logger.Debug("proxied list push failed",
				logging.KeyClientID, portal.ClientID(), logging.KeyError, err)
		}
	}
	return nil
}
