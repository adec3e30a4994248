package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/registry"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// list answers a portal with the tenant's currently-live agents. The
// registry excludes rows outside the liveness window.
func (r *Relay) list(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if st.State() != socket.StatePortalAuth {
		return policyViolation(ReasonAccessDenied)
	}

	agents, err := r.store.GetAgents(ctx, st.OrganizationID())
	if err != nil {
		return err
	}
	if agents == nil {
		agents = []registry.ClientRegistration{}
	}

	payload, err := envelope.MarshalPayload(agents)
	if err != nil {
		return err
	}

	r.stats.ListPushes.Inc()
	return r.send(ctx, st, &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        st.ClientID(),
		Type:      envelope.TypeList,
		MessageID: env.MessageID,
		Payload:   payload,
	}, envelope.PlainText)
}
