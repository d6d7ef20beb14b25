package websocket

import (
	"encoding/json"
	"sync"

	"flykup-live/internal/domain"
	"flykup-live/pkg/logger"
)

// ConnectionManager tracks gateway clients per stream room and fans
// coordination events out to them.
type ConnectionManager struct {
	connections map[string]map[string]domain.GatewayConnection // streamID -> connID -> connection
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]map[string]domain.GatewayConnection),
		log:         log,
	}
}

func (cm *ConnectionManager) RegisterConnection(streamID string, conn domain.GatewayConnection) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if cm.connections[streamID] == nil {
		cm.connections[streamID] = make(map[string]domain.GatewayConnection)
	}
	cm.connections[streamID][conn.ConnID()] = conn

	cm.log.Info("Gateway connection registered", "conn_id", conn.ConnID(),
		"stream_id", streamID, "viewers", len(cm.connections[streamID]))
	return nil
}

func (cm *ConnectionManager) UnregisterConnection(streamID, connID string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if streamConns, exists := cm.connections[streamID]; exists {
		delete(streamConns, connID)
		if len(streamConns) == 0 {
			delete(cm.connections, streamID)
		}
	}

	cm.log.Info("Gateway connection unregistered", "conn_id", connID, "stream_id", streamID)
	return nil
}

func (cm *ConnectionManager) CloseStream(streamID string) error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if streamConns, exists := cm.connections[streamID]; exists {
		for connID, conn := range streamConns {
			if err := conn.Close(); err != nil {
				cm.log.Error("Failed to close gateway connection", "conn_id", connID,
					"stream_id", streamID, "error", err)
			}
		}
		delete(cm.connections, streamID)
	}

	cm.log.Info("Gateway connections closed for stream", "stream_id", streamID)
	return nil
}

func (cm *ConnectionManager) ConnectionsForStream(streamID string) []domain.GatewayConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var connections []domain.GatewayConnection
	if streamConns, exists := cm.connections[streamID]; exists {
		for _, conn := range streamConns {
			connections = append(connections, conn)
		}
	}

	return connections
}

func (cm *ConnectionManager) CountForStream(streamID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	return len(cm.connections[streamID])
}

func (cm *ConnectionManager) BroadcastToStream(streamID string, message interface{}) error {
	connections := cm.ConnectionsForStream(streamID)
	if len(connections) == 0 {
		return nil
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	for _, conn := range connections {
		if err := conn.Send(messageBytes); err != nil {
			cm.log.Error("Failed to send gateway message", "conn_id", conn.ConnID(),
				"stream_id", streamID, "error", err)
			// Continue to other connections
		}
	}

	return nil
}
