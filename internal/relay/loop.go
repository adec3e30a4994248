package relay

import (
	"context"
	"errors"
	"time"

	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// FrameReader yields reassembled frames from the underlying stream. Read
// blocks until a whole frame arrives, the stream closes, or the context
// ends.
type FrameReader interface {
	ReadFrame(ctx context.Context) (data []byte, text bool, err error)
}

// HandleInbound runs the receive loop for an accepted stream: sends the
// welcome envelope, then reads until the stream or the node shuts down.
// The after-disconnect hook runs before returning.
func (r *Relay) HandleInbound(ctx context.Context, st *socket.State, reader FrameReader) {
	if st.State().ClientType() == socket.TypeGateway {
		nonce, err := socket.NewNonce()
		if err != nil {
			r.logger.Error("nonce generation failed", logging.KeyError, err)
			st.Close(socket.CloseNormal, "internal error")
			return
		}
		st.SetServerNonce(nonce)
	}

	welcome := &envelope.Envelope{
		From: r.settings.InstanceID,
		To:   envelope.UnknownID,
		Type: envelope.TypeWelcome,
	}
	payload, err := envelope.MarshalPayload(r.welcomeMessage(st.ServerNonce()))
	if err == nil {
		welcome.Payload = payload
		if err := r.send(ctx, st, welcome, envelope.PlainText); err != nil {
			r.logger.Debug("welcome send failed",
				logging.KeyConnectionID, st.ConnectionID(), logging.KeyError, err)
			st.Close(socket.CloseNormal, "")
			return
		}
	}

	r.runLoop(ctx, st, reader)
}

// HandleOutbound runs the receive loop for a stream this node dialed. The
// peer sends the welcome; no welcome is emitted here.
func (r *Relay) HandleOutbound(ctx context.Context, st *socket.State, reader FrameReader) {
	r.runLoop(ctx, st, reader)
}

// runLoop is the framed read loop shared by both directions.
func (r *Relay) runLoop(ctx context.Context, st *socket.State, reader FrameReader) {
	defer r.afterDisconnect(st)

	log := r.logger.With(
		logging.KeyConnectionID, st.ConnectionID(),
		logging.KeyRemoteAddr, st.RemoteAddr(),
	)

	for {
		data, text, err := reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Node shutdown: close gracefully within the drain bound.
				r.closeGracefully(st)
				return
			}
			log.Debug("stream closed", logging.KeyError, err)
			return
		}

		// Binary frames are ignored.
		if !text {
			continue
		}

		if violation := r.checkBounds(st, len(data)); violation != "" {
			log.Warn("size bound exceeded", logging.KeyState, st.State().String())
			r.closeViolation(st, violation)
			return
		}

		st.RecordReceived(len(data))
		r.stats.BytesReceived.Add(float64(len(data)))

		env, err := r.decode(st, data)
		if err != nil {
			log.Warn("envelope decode failed",
				logging.KeyState, st.State().String(), logging.KeyError, err)
			r.closeViolation(st, ReasonMalformedEnvelope)
			return
		}

		if r.tokenExpired(st) {
			warning := &envelope.Envelope{
				From:         r.settings.InstanceID,
				To:           st.ClientID(),
				Type:         envelope.TypeWarning,
				ErrorMessage: ReasonTokenExpired,
			}
			if err := r.send(ctx, st, warning, envelope.PlainText); err != nil {
				log.Debug("warning send failed", logging.KeyError, err)
			}
			r.closeViolation(st, ReasonTokenExpired)
			return
		}

		if env.Type == "" {
			log.Debug("envelope without type ignored")
			continue
		}
		r.stats.EnvelopesReceived.WithLabelValues(env.Type).Inc()

		behavior, ok := r.behaviors[env.Type]
		if !ok {
			log.Debug("no behavior for message type", logging.KeyMessageType, env.Type)
			continue
		}

		if err := behavior(ctx, st, env); err != nil {
			var pv *PolicyViolationError
			if errors.As(err, &pv) {
				log.Warn("policy violation",
					logging.KeyMessageType, env.Type, logging.KeyError, err)
				r.closeViolation(st, pv.Reason)
				return
			}
			log.Error("behavior failed",
				logging.KeyMessageType, env.Type, logging.KeyError, err)
		}
	}
}

// checkBounds enforces the pre-auth total budget and the authenticated
// per-frame cap. Returns the violation reason, or empty.
func (r *Relay) checkBounds(st *socket.State, frameLen int) string {
	if !st.Authenticated() {
		if st.BytesReceived()+uint64(frameLen) > uint64(r.settings.MaxBytesBeforeAuth) {
			return ReasonTooMuchData
		}
		return ""
	}
	if frameLen > r.settings.MaxMessageSize {
		return ReasonMessageTooLarge
	}
	return ""
}

// decode unwraps the frame under the wrapping the current state requires.
func (r *Relay) decode(st *socket.State, data []byte) (*envelope.Envelope, error) {
	wrapping := st.State().ExpectedWrapping()
	if wrapping == envelope.SignOnly {
		// Agent auth bootstrap: the verifying key rides inside the
		// signed payload.
		env, _, err := r.codec.DecodeSignedEmbedded(data, agentKeyFromEnvelope)
		return env, err
	}
	return r.codec.Decode(data, wrapping, nil)
}

func (r *Relay) tokenExpired(st *socket.State) bool {
	exp := st.TokenExpiration()
	return !exp.IsZero() && time.Now().After(exp)
}

// send writes an envelope and keeps the statistics in step.
func (r *Relay) send(ctx context.Context, st *socket.State, env *envelope.Envelope, wrapping envelope.Wrapping) error {
	if err := st.Send(ctx, env, wrapping); err != nil {
		return err
	}
	r.stats.EnvelopesSent.WithLabelValues(env.Type).Inc()
	return nil
}

func (r *Relay) closeViolation(st *socket.State, reason string) {
	r.stats.Disconnects.WithLabelValues("policy_violation").Inc()
	st.Close(socket.ClosePolicyViolation, reason)
}

func (r *Relay) closeGracefully(st *socket.State) {
	r.stats.Disconnects.WithLabelValues("shutdown").Inc()
	done := make(chan struct{})
	go func() {
		st.Close(socket.CloseNormal, "server shutting down")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.settings.GracefulCloseTimeout):
	}
}
