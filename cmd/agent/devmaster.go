package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/cuemby/agentcore/pkg/log"
	"github.com/cuemby/agentcore/pkg/transport"
	"github.com/cuemby/agentcore/pkg/transport/loopback"
	"github.com/cuemby/agentcore/pkg/types"
)

// runDevMaster plays the minimum viable master role over a loopback link:
// it acks Register/Reregister and answers Ping, so --local lets the agent
// complete its handshake and exercise the rest of its lifecycle without a
// real master process. It holds no task-scheduling logic of its own — the
// agent is driven entirely by whatever the operator sends it separately.
func runDevMaster(ctx context.Context, peer *loopback.MasterPeer, knownAgentID types.AgentID) {
	logger := log.WithComponent("devmaster")

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-peer.Recv():
			switch msg := raw.(type) {
			case transport.Register:
				id := knownAgentID
				if id == "" {
					id = types.AgentID(uuid.NewString())
				}
				logger.Info().Str("agent_id", string(id)).Msg("register received")
				_ = peer.Send(ctx, transport.Registered{AgentID: id})

			case transport.Reregister:
				logger.Info().Str("agent_id", string(msg.AgentInfo.ID)).Msg("reregister received")
				_ = peer.Send(ctx, transport.Reregistered{AgentID: msg.AgentInfo.ID})

			case transport.Ping:
				_ = peer.Send(ctx, transport.Pong{Nonce: msg.Nonce})

			case transport.StatusUpdateMsg:
				_ = peer.Send(ctx, transport.StatusUpdateAck{
					FrameworkID: msg.Update.FrameworkID,
					TaskID:      msg.Update.TaskID,
					UUID:        msg.Update.UUID,
				})
			}
		}
	}
}
