package v1

import (
	"context"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"github.com/crewline/crewline/internal/config"
)

// AgentInfo is the read-only view of a configured agent profile. Launch
// internals (args, required env values) stay server-side.
type AgentInfo struct {
	Name      string `json:"name" doc:"Profile name used in create-session requests"`
	Dialect   string `json:"dialect" doc:"Wire dialect, rpc or stream"`
	Transport string `json:"transport" doc:"Transport kind, process or mailbox"`
	Resumable bool   `json:"resumable" doc:"Whether sessions survive a daemon restart"`
}

type ListAgentsOutput struct {
	Body []AgentInfo
}

func RegisterAgentRoutes(api huma.API, agents map[string]config.AgentProfile) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List configured agent profiles",
		Tags:        []string{"Agents"},
	}, func(ctx context.Context, input *struct{}) (*ListAgentsOutput, error) {
		infos := make([]AgentInfo, 0, len(agents))
		for name, profile := range agents {
			infos = append(infos, AgentInfo{
				Name:      name,
				Dialect:   profile.Dialect,
				Transport: profile.Transport,
				Resumable: profile.Resumable,
			})
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		return &ListAgentsOutput{Body: infos}, nil
	})
}
