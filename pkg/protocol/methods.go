package protocol

// Built-in request methods.
const (
	MethodInitialize          = "initialize"
	MethodPing                = "ping"
	MethodListTools           = "tools/list"
	MethodCallTool            = "tools/call"
	MethodListResources       = "resources/list"
	MethodReadResource        = "resources/read"
	MethodSubscribeResource   = "resources/subscribe"
	MethodUnsubscribeResource = "resources/unsubscribe"
	MethodListPrompts         = "prompts/list"
	MethodGetPrompt           = "prompts/get"
	MethodCreateMessage       = "sampling/createMessage"
)

// Built-in notification methods.
const (
	MethodLogMessage           = "notifications/message"
	MethodProgress             = "notifications/progress"
	MethodCancelled            = "notifications/cancelled"
	MethodToolsListChanged     = "notifications/tools/list_changed"
	MethodResourcesListChanged = "notifications/resources/list_changed"
	MethodResourceUpdated      = "notifications/resources/updated"
	MethodPromptsListChanged   = "notifications/prompts/list_changed"
)
