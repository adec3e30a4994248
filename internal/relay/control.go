package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// control receives an agent's answer to a backend-originated control
// request. A local waiter is completed directly; when the request came in
// through a gateway peer, the response is wrapped back into a proxy
// envelope toward that peer.
func (r *Relay) control(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if st.State() != socket.StateAgentAuth {
		return policyViolation(ReasonAccessDenied)
	}

	var resp envelope.ControlResponse
	if err := envelope.UnmarshalPayload(env.Payload, &resp); err != nil {
		return err
	}

	tenant := st.OrganizationID()
	key := pending.Key(tenant, st.ClientID(), env.MessageID)
	if r.pend.Complete(key, &resp) {
		return nil
	}

	// No local waiter: the request was proxied in. Route the response to
	// the peer that recently carried traffic for this agent.
	for _, gw := range r.dir.GatewaysRelevantTo(tenant, st.ClientID()) {
		return r.relayThroughGateway(ctx, gw, envelope.TypeControl, st.ClientID(), env.To, tenant, env.MessageID, env.Payload)
	}

	r.logger.Debug("control response with no waiter",
		logging.KeyClientID, st.ClientID(), logging.KeyMessageID, env.MessageID)
	return nil
}
