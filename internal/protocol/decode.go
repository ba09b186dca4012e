package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrUnknownAction = errors.New("unknown action")
)

const (
	str     = `{"type":"string"}`
	boolean = `{"type":"boolean"}`
	id      = `{"type":"string","minLength":1}`
	trigger = `{"type":"object","properties":{"type":{"const":"cron"},"schedule":{"type":"string"}},"required":["schedule"]}`
	strList = `{"type":"array","items":{"type":"string"}}`
)

// actionSchemas maps each wire action to its JSON Schema. Extra properties are
// tolerated; dashboards send more than the server reads.
var actionSchemas = map[string]string{
	"chat":         obj(`"message":`+str, "message"),
	"tool":         obj(`"tool":{"enum":["status","screenshot","fetch","panic"]},"path":`+str, "tool"),
	"toggle_agent": obj(`"active":` + boolean),
	"settings": obj(`"agent_backend":{"enum":["open_interpreter","claude_code"]},` +
		`"llm_provider":{"enum":["auto","ollama","openai","anthropic"]},` +
		`"anthropic_model":` + str + `,"bypass_permissions":` + boolean + `,` +
		`"ollama_host":` + str + `,"ollama_model":` + str + `,"openai_model":` + str),
	"save_api_key":    obj(`"provider":`+str+`,"key":`+str, "provider"),
	"get_settings":    obj(``),
	"navigate":        obj(`"path":` + str),
	"browse":          obj(`"path":` + str),
	"get_reminders":   obj(``),
	"add_reminder":    obj(`"message":`+str, "message"),
	"delete_reminder": obj(`"id":`+id, "id"),
	"get_intentions":  obj(``),
	"create_intention": obj(`"name":` + str + `,"prompt":` + str + `,"trigger":` + trigger +
		`,"context_sources":` + strList + `,"enabled":` + boolean),
	"update_intention": obj(`"id":`+id+`,"updates":{"type":"object","properties":{`+
		`"name":`+str+`,"prompt":`+str+`,"trigger":`+trigger+
		`,"context_sources":`+strList+`,"enabled":`+boolean+`}}`, "id", "updates"),
	"delete_intention": obj(`"id":`+id, "id"),
	"toggle_intention": obj(`"id":`+id, "id"),
	"run_intention":    obj(`"id":`+id, "id"),
	"get_skills":       obj(``),
	"run_skill":        obj(`"name":`+id+`,"args":`+str, "name"),
}

func obj(props string, required ...string) string {
	req, _ := json.Marshal(required)
	if len(required) == 0 {
		req = []byte("[]")
	}
	return `{"type":"object","properties":{"action":{"type":"string"}` + sep(props) + props + `},"required":` + string(req) + `}`
}

func sep(props string) string {
	if props == "" {
		return ""
	}
	return ","
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(actionSchemas))
		for name, src := range actionSchemas {
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
			if err != nil {
				compileErr = fmt.Errorf("unmarshal %s schema: %w", name, err)
				return
			}
			url := "action/" + name + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			out[name] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// Decode parses one socket message into its Action. The message is validated
// against the action's schema before it is bound.
func Decode(data []byte) (Action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	all, err := schemas()
	if err != nil {
		return nil, err
	}
	schema, ok := all[head.Action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Action)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAction, head.Action, err)
	}

	switch head.Action {
	case "chat":
		return bind[Chat](data)
	case "tool":
		return bind[Tool](data)
	case "toggle_agent":
		return bind[ToggleAgent](data)
	case "settings":
		return bind[UpdateSettings](data)
	case "save_api_key":
		return bind[SaveAPIKey](data)
	case "get_settings":
		return GetSettings{}, nil
	case "navigate":
		b, err := bind[Browse](data)
		b.Text = true
		return b, err
	case "browse":
		b, err := bind[Browse](data)
		if err == nil && b.Path == "" {
			b.Path = "~"
		}
		return b, err
	case "get_reminders":
		return GetReminders{}, nil
	case "add_reminder":
		return bind[AddReminder](data)
	case "delete_reminder":
		return bind[DeleteReminder](data)
	case "get_intentions":
		return GetIntentions{}, nil
	case "create_intention":
		return bind[CreateIntention](data)
	case "update_intention":
		return bind[UpdateIntention](data)
	case "delete_intention":
		return bind[DeleteIntention](data)
	case "toggle_intention":
		return bind[ToggleIntention](data)
	case "run_intention":
		return bind[RunIntention](data)
	case "get_skills":
		return GetSkills{}, nil
	case "run_skill":
		return bind[RunSkill](data)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, head.Action)
}

func bind[T Action](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return v, nil
}
