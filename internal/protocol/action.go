// Package protocol defines the closed set of actions a transport can submit
// on behalf of a requester.
package protocol

// Action is one inbound request. The set is closed: only types in this
// package implement it, so a type switch over Action can be exhaustive.
type Action interface {
	// Name is the wire discriminator, e.g. "chat".
	Name() string
	sealed()
}

// Tool names accepted by the tool action.
const (
	ToolStatus     = "status"
	ToolScreenshot = "screenshot"
	ToolFetch      = "fetch"
	ToolPanic      = "panic"
)

// Start is the bot /start command: pair on first contact, welcome the owner.
type Start struct{}

// Chat is free text, routed to the agent when agent mode is on and to the
// chat router otherwise.
type Chat struct {
	Message string `json:"message"`
}

// Tool invokes a local tool. Path is only used by fetch.
type Tool struct {
	Tool string `json:"tool"`
	Path string `json:"path,omitempty"`
}

// ToggleAgent flips agent mode when Active is nil, otherwise sets it.
type ToggleAgent struct {
	Active *bool `json:"active,omitempty"`
}

// UpdateSettings changes only the fields that are set.
type UpdateSettings struct {
	AgentBackend      *string `json:"agent_backend,omitempty"`
	LLMProvider       *string `json:"llm_provider,omitempty"`
	AnthropicModel    *string `json:"anthropic_model,omitempty"`
	BypassPermissions *bool   `json:"bypass_permissions,omitempty"`
	OllamaHost        *string `json:"ollama_host,omitempty"`
	OllamaModel       *string `json:"ollama_model,omitempty"`
	OpenAIModel       *string `json:"openai_model,omitempty"`
}

// Empty reports whether no field is set.
func (u UpdateSettings) Empty() bool {
	return u.AgentBackend == nil && u.LLMProvider == nil && u.AnthropicModel == nil &&
		u.BypassPermissions == nil && u.OllamaHost == nil && u.OllamaModel == nil && u.OpenAIModel == nil
}

type SaveAPIKey struct {
	Provider string `json:"provider"`
	Key      string `json:"key"`
}

type GetSettings struct{}

// Browse lists a directory for the structured file browser. Navigate is the
// same request rendered as text.
type Browse struct {
	Path string `json:"path"`
	Text bool   `json:"-"`
}

// SendFile asks for a file inside the jail to be delivered as a document.
type SendFile struct {
	Path string `json:"path"`
}

type GetReminders struct{}

type AddReminder struct {
	Message string `json:"message"`
}

type DeleteReminder struct {
	ID string `json:"id"`
}

type GetIntentions struct{}

// Trigger schedules an intention. Only cron triggers exist.
type Trigger struct {
	Type     string `json:"type"`
	Schedule string `json:"schedule"`
}

type CreateIntention struct {
	IntentionName  string   `json:"name"`
	Prompt         string   `json:"prompt"`
	Trigger        *Trigger `json:"trigger,omitempty"`
	ContextSources []string `json:"context_sources,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

// IntentionUpdates holds the mutable intention fields; nil means unchanged.
type IntentionUpdates struct {
	Name           *string   `json:"name,omitempty"`
	Prompt         *string   `json:"prompt,omitempty"`
	Trigger        *Trigger  `json:"trigger,omitempty"`
	ContextSources *[]string `json:"context_sources,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
}

type UpdateIntention struct {
	ID      string           `json:"id"`
	Updates IntentionUpdates `json:"updates"`
}

type DeleteIntention struct {
	ID string `json:"id"`
}

type ToggleIntention struct {
	ID string `json:"id"`
}

type RunIntention struct {
	ID string `json:"id"`
}

type GetSkills struct{}

type RunSkill struct {
	SkillName string `json:"name"`
	Args      string `json:"args"`
}

func (Start) Name() string          { return "start" }
func (Chat) Name() string           { return "chat" }
func (Tool) Name() string           { return "tool" }
func (ToggleAgent) Name() string    { return "toggle_agent" }
func (UpdateSettings) Name() string { return "settings" }
func (SaveAPIKey) Name() string     { return "save_api_key" }
func (GetSettings) Name() string    { return "get_settings" }
func (b Browse) Name() string {
	if b.Text {
		return "navigate"
	}
	return "browse"
}
func (SendFile) Name() string        { return "send_file" }
func (GetReminders) Name() string    { return "get_reminders" }
func (AddReminder) Name() string     { return "add_reminder" }
func (DeleteReminder) Name() string  { return "delete_reminder" }
func (GetIntentions) Name() string   { return "get_intentions" }
func (CreateIntention) Name() string { return "create_intention" }
func (UpdateIntention) Name() string { return "update_intention" }
func (DeleteIntention) Name() string { return "delete_intention" }
func (ToggleIntention) Name() string { return "toggle_intention" }
func (RunIntention) Name() string    { return "run_intention" }
func (GetSkills) Name() string       { return "get_skills" }
func (RunSkill) Name() string        { return "run_skill" }

func (Start) sealed()           {}
func (Chat) sealed()            {}
func (Tool) sealed()            {}
func (ToggleAgent) sealed()     {}
func (UpdateSettings) sealed()  {}
func (SaveAPIKey) sealed()      {}
func (GetSettings) sealed()     {}
func (Browse) sealed()          {}
func (SendFile) sealed()        {}
func (GetReminders) sealed()    {}
func (AddReminder) sealed()     {}
func (DeleteReminder) sealed()  {}
func (GetIntentions) sealed()   {}
func (CreateIntention) sealed() {}
func (UpdateIntention) sealed() {}
func (DeleteIntention) sealed() {}
func (ToggleIntention) sealed() {}
func (RunIntention) sealed()    {}
func (GetSkills) sealed()       {}
func (RunSkill) sealed()        {}

// OutOfBand reports whether a must bypass the sequential action queue: the
// panic tool and switching agent mode off.
func OutOfBand(a Action) bool {
	switch v := a.(type) {
	case Tool:
		return v.Tool == ToolPanic
	case ToggleAgent:
		return v.Active != nil && !*v.Active
	}
	return false
}
