package relay

import (
	"context"
	"time"

	"github.com/duplicati/console-machineserver/internal/bus"
	"github.com/duplicati/console-machineserver/internal/envelope"
	"github.com/duplicati/console-machineserver/internal/logging"
	"github.com/duplicati/console-machineserver/internal/socket"
)

// hookTimeout bounds the registry and bus work done on lifecycle edges.
const hookTimeout = 5 * time.Second

// afterAuthenticated runs once an agent finishes authentication: publish
// the connect event and push fresh lists to every portal that can see the
// agent. All of it is best-effort; failures never fail the auth.
func (r *Relay) afterAuthenticated(ctx context.Context, st *socket.State, metadata map[string]string) {
	if err := r.publisher.PublishAgentActivity(ctx, bus.AgentActivityMessage{
		ActivityType:      bus.ActivityConnected,
		ConnectedOn:       st.ConnectedOn(),
		RegisteredAgentID: st.RegisteredAgentID(),
		OrganizationID:    st.OrganizationID(),
		ClientVersion:     st.ClientVersion(),
		Metadata:          metadata,
	}); err != nil {
		r.logger.Warn("activity publish failed",
			logging.KeyClientID, st.ClientID(), logging.KeyError, err)
	}

	r.pushListUpdates(ctx, st.OrganizationID())
}

// afterDisconnect runs when a stream's receive loop exits: the stream
// leaves the directory and the registry, and for agents the disconnect
// event goes out and the tenant's portals get a fresh list.
func (r *Relay) afterDisconnect(st *socket.State) {
	r.dir.RemoveClient(st)
	r.dir.RemoveGateway(st)

	clientType := st.State().ClientType()
	tenant := st.OrganizationID()
	if !st.Authenticated() || tenant == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
	defer cancel()

	if _, err := r.store.Deregister(ctx, st.ConnectionID(), st.ClientID(), tenant, st.BytesReceived(), st.BytesSent()); err != nil {
		r.logger.Warn("deregistration failed",
			logging.KeyClientID, st.ClientID(), logging.KeyError, err)
	}

	if clientType == socket.TypeAgent {
		if err := r.publisher.PublishAgentActivity(ctx, bus.AgentActivityMessage{
			ActivityType:      bus.ActivityDisconnected,
			ConnectedOn:       st.ConnectedOn(),
			RegisteredAgentID: st.RegisteredAgentID(),
			OrganizationID:    tenant,
			ClientVersion:     st.ClientVersion(),
		}); err != nil {
			r.logger.Warn("activity publish failed",
				logging.KeyClientID, st.ClientID(), logging.KeyError, err)
		}
		r.pushListUpdates(ctx, tenant)
	}
}

// pushListUpdates refreshes the tenant's view after membership changed:
// every locally-attached portal gets a new list, and every outward
// gateway fronting one of the tenant's portals gets a list-push proxy.
// A slow portal only affects itself; each push is independent.
func (r *Relay) pushListUpdates(ctx context.Context, tenant string) {
	for _, portal := range r.dir.PortalsInTenant(tenant) {
		synth := &envelope.Envelope{
			From:      portal.ClientID(),
			To:        r.settings.InstanceID,
			Type:      envelope.TypeList,
			MessageID: envelope.NewMessageID(),
		}
		if err := r.list(ctx, portal, synth); err != nil {
			r.logger.Debug("list push failed",
				logging.KeyClientID, portal.ClientID(), logging.KeyError, err)
		}
	}

	portals, err := r.store.GetPortals(ctx, tenant)
	if err != nil {
		r.logger.Debug("portal lookup failed", logging.KeyTenant, tenant, logging.KeyError, err)
		return
	}

	notified := make(map[string]bool)
	for _, reg := range portals {
		gw := r.outwardGateway(reg.GatewayID)
		if gw == nil || notified[reg.GatewayID] {
			continue
		}
		notified[reg.GatewayID] = true

		payload, err := envelope.MarshalPayload(&envelope.ProxyEnvelope{
			Type:           envelope.TypeList,
			From:           r.settings.InstanceID,
			To:             reg.ClientID,
			OrganizationID: tenant,
		})
		if err != nil {
			continue
		}
		env := &envelope.Envelope{
			From:      r.settings.InstanceID,
			To:        gw.ClientID(),
			Type:      envelope.TypeProxy,
			MessageID: envelope.NewMessageID(),
			Payload:   payload,
		}
		if err := r.send(ctx, gw, env, envelope.PlainText); err != nil {
			r.logger.Debug("gateway list push failed",
				logging.KeyGateway, reg.GatewayID, logging.KeyError, err)
		}
	}
}
