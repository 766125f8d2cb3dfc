package kernel

// Broadcast event names pushed to every connected client.
const (
	EvtKernelReady   = "kernel.ready"
	EvtKernelMetrics = "kernel.metrics"

	EvtProcessSpawned     = "process.spawned"
	EvtProcessStateChange = "process.stateChange"
	EvtProcessExit        = "process.exit"
	EvtProcessReaped      = "process.reaped"

	EvtAgentThought     = "agent.thought"
	EvtAgentAction      = "agent.action"
	EvtAgentObservation = "agent.observation"
	EvtAgentPhaseChange = "agent.phaseChange"
	EvtAgentProgress    = "agent.progress"
	EvtAgentFileCreated = "agent.file_created"
	EvtAgentBrowsing    = "agent.browsing"

	EvtIPCDelivered = "ipc.delivered"
	EvtIPCMessage   = "ipc.message"

	EvtContainerCreated = "container.created"
	EvtContainerStarted = "container.started"
	EvtContainerStopped = "container.stopped"
	EvtContainerRemoved = "container.removed"

	EvtFSChanged = "fs.changed"

	EvtTTYOutput = "tty.output"
	EvtTTYOpened = "tty.opened"
	EvtTTYClosed = "tty.closed"

	EvtPluginLoaded = "plugin.loaded"
	EvtPluginError  = "plugin.error"

	EvtMCPToolsDiscovered    = "mcp.tools.discovered"
	EvtMCPServerConnected    = "mcp.server.connected"
	EvtMCPServerDisconnected = "mcp.server.disconnected"

	EvtOpenClawSkillImported = "openclaw.skill.imported"
	EvtOpenClawBatchImported = "openclaw.batch.imported"
)

// broadcastable lists the bus event types the gateway forwards to clients.
var broadcastable = map[string]bool{
	EvtKernelReady:           true,
	EvtKernelMetrics:         true,
	EvtProcessSpawned:        true,
	EvtProcessStateChange:    true,
	EvtProcessExit:           true,
	EvtProcessReaped:         true,
	EvtAgentThought:          true,
	EvtAgentAction:           true,
	EvtAgentObservation:      true,
	EvtAgentPhaseChange:      true,
	EvtAgentProgress:         true,
	EvtAgentFileCreated:      true,
	EvtAgentBrowsing:         true,
	EvtIPCDelivered:          true,
	EvtIPCMessage:            true,
	EvtContainerCreated:      true,
	EvtContainerStarted:      true,
	EvtContainerStopped:      true,
	EvtContainerRemoved:      true,
	EvtFSChanged:             true,
	EvtTTYOutput:             true,
	EvtTTYOpened:             true,
	EvtTTYClosed:             true,
	EvtPluginLoaded:          true,
	EvtPluginError:           true,
	EvtMCPToolsDiscovered:    true,
	EvtMCPServerConnected:    true,
	EvtMCPServerDisconnected: true,
	EvtOpenClawSkillImported: true,
	EvtOpenClawBatchImported: true,
}

// Broadcastable reports whether a bus event type is forwarded to clients.
func Broadcastable(eventType string) bool {
	return broadcastable[eventType]
}
