package a2a

// ProtocolVersion is the A2A protocol revision this server implements.
const ProtocolVersion = "0.3.0"

// AgentCard is the self-describing document served at
// /.well-known/agent.json. The URL field is rewritten per request from the
// observed host and forwarding headers.
type AgentCard struct {
	ProtocolVersion     string            `json:"protocolVersion"`
	Name                string            `json:"name"`
	Description         string            `json:"description"`
	URL                 string            `json:"url"`
	Version             string            `json:"version"`
	Capabilities        AgentCapabilities `json:"capabilities"`
	Provider            *AgentProvider    `json:"provider,omitempty"`
	DefaultInputModes   []string          `json:"defaultInputModes"`
	DefaultOutputModes  []string          `json:"defaultOutputModes"`
	Skills              []AgentSkill      `json:"skills"`
	SupportedInterfaces []AgentInterface  `json:"supportedInterfaces,omitempty"`
	IconURL             string            `json:"iconUrl,omitempty"`
	DocumentationURL    string            `json:"documentationUrl,omitempty"`
}

// AgentCapabilities advertises optional protocol features.
type AgentCapabilities struct {
	Streaming         bool             `json:"streaming"`
	PushNotifications bool             `json:"pushNotifications"`
	Extensions        []AgentExtension `json:"extensions,omitempty"`
}

// AgentExtension names a protocol extension and its parameters.
type AgentExtension struct {
	URI    string         `json:"uri"`
	Params map[string]any `json:"params,omitempty"`
}

// AgentProvider identifies the organization operating the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

// AgentSkill describes one capability of the agent for discovery.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// AgentInterface is one transport binding the agent answers on.
type AgentInterface struct {
	URL             string `json:"url"`
	ProtocolBinding string `json:"protocolBinding"`
	ProtocolVersion string `json:"protocolVersion"`
}
