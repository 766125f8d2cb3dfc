package kernel

// Command names accepted on the /kernel socket. The list is fixed; unknown
// types get response.error "unknown_command".
const (
	CmdAuthLogin    = "auth.login"
	CmdAuthRegister = "auth.register"
	CmdAuthValidate = "auth.validate"

	CmdProcessSpawn   = "process.spawn"
	CmdProcessSignal  = "process.signal"
	CmdProcessList    = "process.list"
	CmdProcessInfo    = "process.info"
	CmdProcessApprove = "process.approve"
	CmdProcessReject  = "process.reject"

	CmdAgentPause    = "agent.pause"
	CmdAgentResume   = "agent.resume"
	CmdAgentContinue = "agent.continue"

	CmdFSRead  = "fs.read"
	CmdFSWrite = "fs.write"
	CmdFSLs    = "fs.ls"
	CmdFSStat  = "fs.stat"
	CmdFSMkdir = "fs.mkdir"
	CmdFSRm    = "fs.rm"

	CmdTTYOpen   = "tty.open"
	CmdTTYInput  = "tty.input"
	CmdTTYResize = "tty.resize"
	CmdTTYClose  = "tty.close"

	CmdVNCInfo = "vnc.info"
	CmdVNCExec = "vnc.exec"

	CmdCronList    = "cron.list"
	CmdCronCreate  = "cron.create"
	CmdCronDelete  = "cron.delete"
	CmdCronEnable  = "cron.enable"
	CmdCronDisable = "cron.disable"

	CmdTriggerList   = "trigger.list"
	CmdTriggerCreate = "trigger.create"
	CmdTriggerDelete = "trigger.delete"

	CmdPluginRegistryList      = "plugin.registry.list"
	CmdPluginRegistryInstall   = "plugin.registry.install"
	CmdPluginRegistryUninstall = "plugin.registry.uninstall"
	CmdPluginRegistryEnable    = "plugin.registry.enable"
	CmdPluginRegistryDisable   = "plugin.registry.disable"

	CmdMCPServerConnect    = "mcp.server.connect"
	CmdMCPServerDisconnect = "mcp.server.disconnect"
	CmdMCPServerList       = "mcp.server.list"

	CmdKernelStatus = "kernel.status"
)
