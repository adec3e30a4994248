package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// command relays a portal's request toward its agent, or an agent's
// response back toward the portal that asked.
func (r *Relay) command(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	switch st.State() {
	case socket.StatePortalAuth:
		return r.commandFromPortal(ctx, st, env)
	case socket.StateAgentAuth:
		return r.commandFromAgent(ctx, st, env)
	default:
		return policyViolation(ReasonAccessDenied)
	}
}

// commandFromPortal routes a command to the target agent: through an
// outward gateway when the agent is attached to a peer node, directly
// when attached here, or back to the portal as an error when unreachable.
func (r *Relay) commandFromPortal(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	tenant := st.OrganizationID()

	// A destination attached here under another tenant is a cross-tenant
	// attempt: both streams close. The impersonation guard takes the
	// same path.
	attached := r.dir.FirstClient(func(c *socket.State) bool {
		return c.Authenticated() && c.ClientID() == env.To
	})
	if st.Impersonated() || (attached != nil && attached.OrganizationID() != tenant) {
		r.stats.CrossTenantDenials.Inc()
		if attached != nil && attached != st {
			attached.Close(socket.ClosePolicyViolation, ReasonAccessDenied)
		}
		return policyViolation(ReasonAccessDenied)
	}

	// Tenant-scoped registry lookup decides the route.
	agents, err := r.store.GetAgents(ctx, tenant)
	if err != nil {
		r.logger.Warn("agent lookup failed", logging.KeyTenant, tenant, logging.KeyError, err)
	}
	for i := range agents {
		if agents[i].ClientID != env.To {
			continue
		}
		if gw := r.outwardGateway(agents[i].GatewayID); gw != nil {
			return r.relayThroughGateway(ctx, gw, env.Type, st.ClientID(), env.To, tenant, env.MessageID, env.Payload)
		}
		break
	}

	if agent := r.dir.FindAgent(tenant, env.To); agent != nil {
		if err := agent.Send(ctx, env, envelope.Encrypt); err != nil {
			r.logger.Warn("command forward failed",
				logging.KeyClientID, env.To, logging.KeyError, err)
			r.stats.RelayFailures.WithLabelValues("local_send").Inc()
			return r.send(ctx, st, env.WithError(ReasonDestinationMissing), envelope.PlainText)
		}
		r.stats.EnvelopesSent.WithLabelValues(env.Type).Inc()
		r.stats.CommandsRelayed.WithLabelValues("local").Inc()
		return nil
	}

	r.stats.RelayFailures.WithLabelValues("not_found").Inc()
	return r.send(ctx, st, env.WithError(ReasonDestinationMissing), envelope.PlainText)
}

// commandFromAgent carries a response back to the portal: locally when
// the portal is attached here, otherwise through the gateway peer that
// recently proxied for this agent.
func (r *Relay) commandFromAgent(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	tenant := st.OrganizationID()

	portal := r.dir.FirstClient(func(c *socket.State) bool {
		return c.State() == socket.StatePortalAuth &&
			c.OrganizationID() == tenant &&
			c.ClientID() == env.To
	})
	if portal != nil {
		if err := portal.Send(ctx, env, envelope.PlainText); err != nil {
			r.stats.RelayFailures.WithLabelValues("local_send").Inc()
			return nil
		}
		r.stats.EnvelopesSent.WithLabelValues(env.Type).Inc()
		return nil
	}

	// Return path: the peer that proxied traffic for this agent keeps
	// the (tenant, agent) pair in its recent-interest map.
	for _, gw := range r.dir.GatewaysRelevantTo(tenant, st.ClientID()) {
		return r.relayThroughGateway(ctx, gw, env.Type, st.ClientID(), env.To, tenant, env.MessageID, env.Payload)
	}

	r.logger.Debug("command response with no reachable portal",
		logging.KeyClientID, env.To, logging.KeyTenant, tenant)
	r.stats.RelayFailures.WithLabelValues("not_found").Inc()
	return nil
}

// outwardGateway returns the authenticated outward connection to the
// named gateway instance, or nil.
func (r *Relay) outwardGateway(gatewayID string) *socket.State {
	if gatewayID == "" || gatewayID == r.settings.InstanceID {
		return nil
	}
	for _, gw := range r.dir.AuthenticatedGateways() {
		if gw.ClientID() == gatewayID {
			return gw
		}
	}
	return nil
}

// relayThroughGateway wraps a message in a proxy envelope, sends it
// plaintext to the peer, and records the pair for return-path routing.
func (r *Relay) relayThroughGateway(ctx context.Context, gw *socket.State, innerType, from, to, tenant, messageID, innerMessage string) error {
	payload, err := envelope.MarshalPayload(&envelope.ProxyEnvelope{
		Type:           innerType,
		From:           from,
		To:             to,
		OrganizationID: tenant,
		InnerMessage:   innerMessage,
	})
	if err != nil {
		return err
	}

	env := &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        gw.ClientID(),
		Type:      envelope.TypeProxy,
		MessageID: messageID,
		Payload:   payload,
	}
	if err := r.send(ctx, gw, env, envelope.PlainText); err != nil {
		r.stats.RelayFailures.WithLabelValues("gateway_send").Inc()
		return err
	}

	if m := gw.Interest(); m != nil {
		m.Mark(tenant, to)
	}
	r.stats.CommandsRelayed.WithLabelValues("gateway").Inc()
	return nil
}
