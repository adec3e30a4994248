package relay

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/keys"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/registry"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// authPortal authenticates a portal stream. A rejected token does not
// close the stream: the portal may retry by re-sending authportal.
func (r *Relay) authPortal(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if s := st.State(); s != socket.StatePortalUnauth && s != socket.StatePortalAuth {
		return policyViolation(ReasonInvalidAuthPayload)
	}

	var req envelope.AuthPortalRequest
	if err := envelope.UnmarshalPayload(env.Payload, &req); err != nil {
		return policyViolation(ReasonInvalidAuthPayload)
	}
	if req.Token == "" {
		return policyViolation(ReasonInvalidAuthPayload)
	}

	result, err := r.validator.ValidateConnectToken(ctx, req.Token)
	if err != nil || !result.Success {
		r.stats.AuthFailures.WithLabelValues(string(socket.TypePortal)).Inc()
		message := "token rejected"
		if result != nil && result.Message != "" {
			message = result.Message
		}
		r.logger.Info("portal authentication rejected",
			logging.KeyConnectionID, st.ConnectionID(), logging.KeyError, err)
		return r.sendAuthResult(ctx, st, env, envelope.TypeAuthPortal, envelope.PlainText, false, nil, message)
	}

	if err := st.SetIdentity(env.From, result.OrganizationID); err != nil {
		return policyViolation(ReasonAccessDenied)
	}
	st.SetTokenExpiration(result.Expires)
	st.SetClientVersion(req.ClientVersion)
	st.SetState(socket.StatePortalAuth)

	if _, err := r.store.Register(ctx, registry.ClientRegistration{
		ClientID:       st.ClientID(),
		OrganizationID: st.OrganizationID(),
		Type:           socket.TypePortal,
		ConnectionID:   st.ConnectionID(),
		ClientVersion:  req.ClientVersion,
		GatewayID:      r.settings.InstanceID,
		ClientIP:       st.RemoteAddr(),
	}); err != nil {
		r.logger.Warn("portal registration failed",
			logging.KeyClientID, st.ClientID(), logging.KeyError, err)
	}

	r.stats.AuthSuccesses.WithLabelValues(string(socket.TypePortal)).Inc()
	r.logger.Info("portal authenticated",
		logging.KeyClientID, st.ClientID(), logging.KeyTenant, st.OrganizationID())

	return r.sendAuthResult(ctx, st, env, envelope.TypeAuthPortal, envelope.PlainText, true, nil, "")
}

// agentKeyFromEnvelope extracts the verifying key from an unverified auth
// envelope so the bootstrap signature can be checked against it.
func agentKeyFromEnvelope(env *envelope.Envelope) (*rsa.PublicKey, error) {
	var req envelope.AuthAgentRequest
	if err := envelope.UnmarshalPayload(env.Payload, &req); err != nil {
		return nil, err
	}
	if req.PublicKey == "" {
		return nil, fmt.Errorf("auth payload without public key")
	}
	return keys.ParsePublicKey([]byte(req.PublicKey))
}

// authAgent authenticates an agent stream. The verified public key flips
// the inbound wrapping expectation to Encrypt.
func (r *Relay) authAgent(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if s := st.State(); s != socket.StateAgentUnauth && s != socket.StateAgentAuth {
		return policyViolation(ReasonInvalidAuthPayload)
	}

	var req envelope.AuthAgentRequest
	if err := envelope.UnmarshalPayload(env.Payload, &req); err != nil {
		return policyViolation(ReasonInvalidAuthPayload)
	}
	if req.Token == "" || req.PublicKey == "" {
		return policyViolation(ReasonInvalidAuthPayload)
	}
	if !r.protocolVersionAllowed(req.ProtocolVersion) {
		return policyViolation(ReasonInvalidProtocol)
	}

	result, err := r.validator.ValidateAgentToken(ctx, req.Token)
	if err != nil || !result.Success {
		r.stats.AuthFailures.WithLabelValues(string(socket.TypeAgent)).Inc()
		message := "token rejected"
		if result != nil && result.Message != "" {
			message = result.Message
		}
		return r.sendAuthResult(ctx, st, env, envelope.TypeAuth, envelope.SignOnly, false, nil, message)
	}

	pub, err := keys.ParsePublicKey([]byte(req.PublicKey))
	if err != nil {
		return policyViolation(ReasonInvalidAuthPayload)
	}

	if err := st.SetIdentity(env.From, result.OrganizationID); err != nil {
		return policyViolation(ReasonAccessDenied)
	}
	st.SetAgentDetails(result.RegisteredAgentID, req.ClientVersion, pub)
	st.SetTokenExpiration(result.Expires)
	st.SetState(socket.StateAgentAuth)

	if _, err := r.store.Register(ctx, registry.ClientRegistration{
		ClientID:              st.ClientID(),
		OrganizationID:        st.OrganizationID(),
		Type:                  socket.TypeAgent,
		ConnectionID:          st.ConnectionID(),
		MachineRegistrationID: result.RegisteredAgentID,
		ClientVersion:         req.ClientVersion,
		GatewayID:             r.settings.InstanceID,
		ClientIP:              st.RemoteAddr(),
	}); err != nil {
		r.logger.Warn("agent registration failed",
			logging.KeyClientID, st.ClientID(), logging.KeyError, err)
	}

	r.stats.AuthSuccesses.WithLabelValues(string(socket.TypeAgent)).Inc()
	r.logger.Info("agent authenticated",
		logging.KeyClientID, st.ClientID(), logging.KeyTenant, st.OrganizationID())

	if err := r.sendAuthResult(ctx, st, env, envelope.TypeAuth, envelope.SignOnly, true, result.NewToken, ""); err != nil {
		return err
	}

	r.afterAuthenticated(ctx, st, req.Metadata)
	return nil
}

// sendAuthResult sends the accept/reject reply for an auth exchange.
func (r *Relay) sendAuthResult(ctx context.Context, st *socket.State, env *envelope.Envelope, msgType string, wrapping envelope.Wrapping, accepted bool, newToken *string, message string) error {
	payload, err := envelope.MarshalPayload(&envelope.AuthResult{
		Accepted:         accepted,
		WillReplaceToken: newToken != nil,
		NewToken:         newToken,
	})
	if err != nil {
		return err
	}
	reply := &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        env.From,
		Type:      msgType,
		MessageID: env.MessageID,
		Payload:   payload,
	}
	if !accepted {
		reply.ErrorMessage = message
	}
	return r.send(ctx, st, reply, wrapping)
}
