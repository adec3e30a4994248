package relay

import (
	"context"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// welcome handles the welcome envelope a gateway sends on an outward
// connection this node dialed. The nonce it carries starts the handshake:
// the reply is an authgateway envelope with our own nonce and the hash
// over the pre-shared key and both nonces.
func (r *Relay) welcome(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if st.State() != socket.StateGatewayUnauth {
		// Portals and agents also receive welcome envelopes from their
		// server; arriving back here it carries no obligation.
		return nil
	}

	var msg envelope.WelcomeMessage
	if err := envelope.UnmarshalPayload(env.Payload, &msg); err != nil {
		return policyViolation(ReasonBadGatewayHandshake)
	}
	if msg.Nonce == "" {
		return policyViolation(ReasonBadGatewayHandshake)
	}

	nonce, err := socket.NewNonce()
	if err != nil {
		return err
	}
	st.SetPeerNonce(msg.Nonce)
	st.SetServerNonce(nonce)

	payload, err := envelope.MarshalPayload(&envelope.GatewayAuthMessage{
		Nonce: nonce,
		Hash:  socket.GatewayHash(r.settings.PreSharedKey, msg.Nonce, nonce),
	})
	if err != nil {
		return err
	}
	return r.send(ctx, st, &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        env.From,
		Type:      envelope.TypeAuthGateway,
		MessageID: envelope.NewMessageID(),
		Payload:   payload,
	}, envelope.PlainText)
}

// authGateway completes the gateway handshake. On the terminating side
// the envelope carries the peer nonce and the hash to verify; on the
// dialing side it carries only the confirmation hash.
func (r *Relay) authGateway(ctx context.Context, st *socket.State, env *envelope.Envelope) error {
	if st.State() != socket.StateGatewayUnauth {
		return policyViolation(ReasonBadGatewayHandshake)
	}

	var msg envelope.GatewayAuthMessage
	if err := envelope.UnmarshalPayload(env.Payload, &msg); err != nil {
		return policyViolation(ReasonBadGatewayHandshake)
	}

	if msg.Nonce != "" {
		return r.verifyGatewayPeer(ctx, st, env, &msg)
	}
	return r.confirmGatewayPeer(st, env, &msg)
}

// verifyGatewayPeer runs on the ingress side that issued the welcome
// nonce. A matching hash proves the peer holds the pre-shared key.
func (r *Relay) verifyGatewayPeer(ctx context.Context, st *socket.State, env *envelope.Envelope, msg *envelope.GatewayAuthMessage) error {
	serverNonce := st.ServerNonce()
	if serverNonce == "" {
		return policyViolation(ReasonBadGatewayHandshake)
	}
	if !socket.VerifyGatewayHash(r.settings.PreSharedKey, serverNonce, msg.Nonce, msg.Hash) {
		r.stats.AuthFailures.WithLabelValues(string(socket.TypeGateway)).Inc()
		return policyViolation(ReasonBadGatewayHandshake)
	}

	st.SetPeerNonce(msg.Nonce)
	if err := st.SetIdentity(env.From, st.OrganizationID()); err != nil {
		return policyViolation(ReasonBadGatewayHandshake)
	}
	st.SetState(socket.StateGatewayAuth)
	r.stats.AuthSuccesses.WithLabelValues(string(socket.TypeGateway)).Inc()
	r.logger.Info("gateway peer authenticated", logging.KeyClientID, st.ClientID())

	// Confirmation with the reversed-nonce hash lets the dialer finish
	// its side of the handshake.
	payload, err := envelope.MarshalPayload(&envelope.GatewayAuthMessage{
		Hash: socket.GatewayHash(r.settings.PreSharedKey, msg.Nonce, serverNonce),
	})
	if err != nil {
		return err
	}
	return r.send(ctx, st, &envelope.Envelope{
		From:      r.settings.InstanceID,
		To:        st.ClientID(),
		Type:      envelope.TypeAuthGateway,
		MessageID: env.MessageID,
		Payload:   payload,
	}, envelope.PlainText)
}

// confirmGatewayPeer runs on the dialing side after it presented its
// hash; the reversed hash from the verifier completes the handshake.
func (r *Relay) confirmGatewayPeer(st *socket.State, env *envelope.Envelope, msg *envelope.GatewayAuthMessage) error {
	if !socket.VerifyGatewayHash(r.settings.PreSharedKey, st.ServerNonce(), st.PeerNonce(), msg.Hash) {
		r.stats.AuthFailures.WithLabelValues(string(socket.TypeGateway)).Inc()
		return policyViolation(ReasonBadGatewayHandshake)
	}

	if err := st.SetIdentity(env.From, st.OrganizationID()); err != nil {
		return policyViolation(ReasonBadGatewayHandshake)
	}
	st.SetState(socket.StateGatewayAuth)
	r.stats.AuthSuccesses.WithLabelValues(string(socket.TypeGateway)).Inc()
	r.stats.GatewaysConnected.Inc()
	r.logger.Info("outward gateway authenticated", logging.KeyClientID, st.ClientID())
	return nil
}
