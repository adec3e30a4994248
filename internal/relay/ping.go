package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// ping refreshes the sender's activity window and answers with a pong.
func (r *Relay) ping(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if !st.Authenticated() {
		return policyViolation(ReasonAccessDenied)
	}

	r.touchActivity(ctx, st)

	if r.settings.DisablePing {
		return nil
	}
	return r.send(ctx, st, &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        st.ClientID(),
		Type:      envelope.TypePong,
		MessageID: envelope.NewMessageID(),
	}, envelope.PlainText)
}

// pong acknowledges a liveness probe this node sent earlier.
func (r *Relay) pong(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if !st.Authenticated() {
		return policyViolation(ReasonAccessDenied)
	}
	r.touchActivity(ctx, st)
	return nil
}

// touchActivity bumps the registry row for client streams. Gateway peers
// are not registered and only track activity on the socket itself.
func (r *Relay) touchActivity(ctx context.Context, st *socket.State) {
	if st.OrganizationID() == "" {
		return
	}
	if _, err := r.store.UpdateActivity(ctx, st.ClientID(), st.OrganizationID()); err != nil {
		r.logger.Warn("activity update failed",
			logging.KeyClientID, st.ClientID(), logging.KeyError, err)
	}
}
