package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type PutCredentialInput struct {
	AgentType string `path:"agentType" doc:"Agent profile the credential belongs to"`
	Body      struct {
		Name  string `json:"name" minLength:"1" doc:"Environment variable name, e.g. ANTHROPIC_API_KEY"`
		Value string `json:"value" minLength:"1" doc:"Plaintext value, encrypted before it touches disk"`
	}
}

type ListCredentialsInput struct {
	AgentType string `path:"agentType" doc:"Agent profile to list credentials for"`
}

type ListCredentialsOutput struct {
	Body struct {
		Names []string `json:"names" doc:"Stored credential names; values are never returned"`
	}
}

type DeleteCredentialInput struct {
	AgentType string `path:"agentType" doc:"Agent profile the credential belongs to"`
	Name      string `path:"name" doc:"Credential name to remove"`
}

func RegisterCredentialRoutes(api huma.API, admin CredentialAdmin) {
	huma.Register(api, huma.Operation{
		OperationID: "put-credential",
		Method:      http.MethodPut,
		Path:        "/agents/{agentType}/credentials",
		Summary:     "Store or replace an agent credential",
		Tags:        []string{"Credentials"},
	}, func(ctx context.Context, input *PutCredentialInput) (*struct{}, error) {
		if err := admin.Put(input.AgentType, input.Body.Name, input.Body.Value); err != nil {
			return nil, huma.Error500InternalServerError("failed to store credential", err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-credentials",
		Method:      http.MethodGet,
		Path:        "/agents/{agentType}/credentials",
		Summary:     "List stored credential names for an agent",
		Tags:        []string{"Credentials"},
	}, func(ctx context.Context, input *ListCredentialsInput) (*ListCredentialsOutput, error) {
		names, err := admin.List(input.AgentType)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list credentials", err)
		}
		out := &ListCredentialsOutput{}
		out.Body.Names = names
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-credential",
		Method:      http.MethodDelete,
		Path:        "/agents/{agentType}/credentials/{name}",
		Summary:     "Delete one agent credential",
		Tags:        []string{"Credentials"},
	}, func(ctx context.Context, input *DeleteCredentialInput) (*struct{}, error) {
		if err := admin.Delete(input.AgentType, input.Name); err != nil {
			return nil, huma.Error500InternalServerError("failed to delete credential", err)
		}
		return nil, nil
	})
}
