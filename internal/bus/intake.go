package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/duplicati/console-machineserver/internal/directory"
	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/metrics"
	"github.com/duplicati/console-machineserver/internal/pending"
	"github.com/duplicati/console-machineserver/internal/registry"
)

// Intake consumes agent-control requests from the bus, relays them into
// the fabric, and answers with the correlated response. It always returns
// a response, even when the attempt fails.
type Intake struct {
	instanceID string
	store      registry.Store
	dir        *directory.Directory
	pend       *pending.Store
	timeout    time.Duration
	logger     *slog.Logger
	stats      *metrics.Metrics
}

// NewIntake creates the control-request intake.
func NewIntake(instanceID string, store registry.Store, dir *directory.Directory, pend *pending.Store, timeout time.Duration, logger *slog.Logger, stats *metrics.Metrics) *Intake {
	return &Intake{
		instanceID: instanceID,
		store:      store,
		dir:        dir,
		pend:       pend,
		timeout:    timeout,
		logger:     logger.With(logging.KeyComponent, "intake"),
		stats:      stats,
	}
}

// Attach subscribes the intake to the bus.
func (i *Intake) Attach(consumer Consumer) {
	consumer.SubscribeControl(i.Handle)
}

// Handle relays one control request and awaits its response.
func (i *Intake) Handle(ctx context.Context, req *AgentControlCommandRequest) *AgentControlCommandResponse {
	resp := i.handle(ctx, req)
	if resp == nil {
		// The handler contract: a response goes back on the bus no
		// matter what went wrong.
		resp = i.failure(req, "internal error relaying control request")
	}
	return resp
}

func (i *Intake) handle(ctx context.Context, req *AgentControlCommandRequest) *AgentControlCommandResponse {
	target, err := i.findAgent(ctx, req)
	if err != nil {
		i.logger.Warn("agent lookup failed",
			logging.KeyTenant, req.OrganizationID, logging.KeyError, err)
		return i.failure(req, "Client was not connected")
	}
	if target == nil {
		return i.failure(req, "Client was not connected")
	}

	inner, err := envelope.MarshalPayload(&envelope.ControlRequest{
		Command:  req.Command,
		Settings: req.Settings,
	})
	if err != nil {
		return i.failure(req, fmt.Sprintf("Failed to send message to client: %v", err))
	}

	messageID := envelope.NewMessageID()
	key := pending.Key(req.OrganizationID, target.ClientID, messageID)
	waitCtx, ch, err := i.pend.Prepare(ctx, key, i.timeout)
	if err != nil {
		return i.failure(req, fmt.Sprintf("Failed to send message to client: %v", err))
	}

	if err := i.send(ctx, target, messageID, inner, req.OrganizationID); err != nil {
		i.pend.Complete(key, nil)
		return i.failure(req, fmt.Sprintf("Failed to send message to client: %v", err))
	}

	result, err := pending.Await(waitCtx, ch)
	if err != nil || result == nil {
		i.stats.PendingTimeouts.Inc()
		return i.failure(req, "Failed to send message to client: response timed out")
	}

	return &AgentControlCommandResponse{
		AgentID:        req.AgentID,
		OrganizationID: req.OrganizationID,
		Settings:       result.Output,
		Success:        result.Success,
		Message:        result.Message,
	}
}

// findAgent resolves the registration row for the requested machine.
func (i *Intake) findAgent(ctx context.Context, req *AgentControlCommandRequest) (*registry.ClientRegistration, error) {
	agents, err := i.store.GetAgents(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	for idx := range agents {
		if agents[idx].MachineRegistrationID == req.AgentID {
			return &agents[idx], nil
		}
	}
	return nil, nil
}

// send routes the control envelope to the agent, through an outward
// gateway when the agent is attached elsewhere, directly when local.
func (i *Intake) send(ctx context.Context, target *registry.ClientRegistration, messageID, inner, organizationID string) error {
	// Outward gateway first: the agent may live behind a peer node.
	if target.GatewayID != "" && target.GatewayID != i.instanceID {
		for _, gw := range i.dir.AuthenticatedGateways() {
			if gw.ClientID() != target.GatewayID {
				continue
			}
			payload, err := envelope.MarshalPayload(&envelope.ProxyEnvelope{
				Type:           envelope.TypeControl,
				From:           i.instanceID,
				To:             target.ClientID,
				OrganizationID: organizationID,
				InnerMessage:   inner,
			})
			if err != nil {
				return err
			}
			env := &envelope.Envelope{
				From:      i.instanceID,
				To:        target.GatewayID,
				Type:      envelope.TypeProxy,
				MessageID: messageID,
				Payload:   payload,
			}
			if err := gw.Send(ctx, env, envelope.PlainText); err != nil {
				return err
			}
			if m := gw.Interest(); m != nil {
				m.Mark(organizationID, target.ClientID)
			}
			i.stats.CommandsRelayed.WithLabelValues("gateway").Inc()
			return nil
		}
	}

	local := i.dir.FindAgent(organizationID, target.ClientID)
	if local == nil {
		return fmt.Errorf("agent %s is not attached", target.ClientID)
	}
	env := &envelope.Envelope{
		From:      i.instanceID,
		To:        target.ClientID,
		Type:      envelope.TypeControl,
		MessageID: messageID,
		Payload:   inner,
	}
	if err := local.Send(ctx, env, envelope.Encrypt); err != nil {
		return err
	}
	i.stats.CommandsRelayed.WithLabelValues("local").Inc()
	return nil
}

func (i *Intake) failure(req *AgentControlCommandRequest, message string) *AgentControlCommandResponse {
	return &AgentControlCommandResponse{
		AgentID:        req.AgentID,
		OrganizationID: req.OrganizationID,
		Success:        false,
		Message:        message,
	}
}
