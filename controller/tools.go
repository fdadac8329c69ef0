package controller

import (
	"context"
	"fmt"
	"strings"

	"auralis_expression/expression"
	"auralis_expression/gateway"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListExpressionsInput takes no arguments.
type ListExpressionsInput struct{}

// ListExpressionsResult lists the entries of the active mode.
type ListExpressionsResult struct {
	Expressions []gateway.Summary `json:"expressions" jsonschema:"expressions available in the active mode"`
}

// ChangeExpressionInput represents the MCP tool input for a directed change.
type ChangeExpressionInput struct {
	Expression string   `json:"expression" jsonschema:"symbolic expression name (required)"`
	Transition string   `json:"transition,omitempty" jsonschema:"one of fade, quick-fade, slide, zoom, shake, instant (default fade)"`
	Duration   *float64 `json:"duration,omitempty" jsonschema:"transition duration in milliseconds (default 300, 0 snaps)"`
}

// ChangeExpressionResult is returned for an accepted change.
type ChangeExpressionResult struct {
	DisplayName string `json:"displayName" jsonschema:"human label of the selected expression"`
}

// CurrentExpressionInput takes no arguments.
type CurrentExpressionInput struct{}

// CurrentExpressionResult reports the current selection. Status is "none"
// when nothing is selected.
type CurrentExpressionResult struct {
	Status      string `json:"status" jsonschema:"selected or none"`
	Name        string `json:"name,omitempty" jsonschema:"symbolic name of the current expression"`
	DisplayName string `json:"displayName,omitempty" jsonschema:"human label of the current expression"`
}

func ListExpressionsTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "list_expressions",
		Description: "Lists the expressions available in the active display mode",
	}
}

func ChangeExpressionTool() *mcp.Tool {
	transitions := make([]string, 0, len(expression.Transitions))
	for _, t := range expression.Transitions {
		transitions = append(transitions, string(t))
	}
	return &mcp.Tool{
		Name: "change_expression",
		Description: fmt.Sprintf(
			"Changes the character's expression for every connected viewer. Transitions: %s",
			strings.Join(transitions, ", "),
		),
	}
}

func CurrentExpressionTool() *mcp.Tool {
	return &mcp.Tool{
		Name:        "get_current_expression",
		Description: "Returns the expression every viewer currently shows",
	}
}

func ListExpressionsHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[ListExpressionsInput, ListExpressionsResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ListExpressionsInput) (*mcp.CallToolResult, ListExpressionsResult, error) {
		list, err := gw.ListExpressions(ctx)
		if err != nil {
			return nil, ListExpressionsResult{}, fmt.Errorf("list expressions: %w", err)
		}
		return nil, ListExpressionsResult{Expressions: list}, nil
	}
}

func ChangeExpressionHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[ChangeExpressionInput, ChangeExpressionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ChangeExpressionInput) (*mcp.CallToolResult, ChangeExpressionResult, error) {
		if strings.TrimSpace(input.Expression) == "" {
			return nil, ChangeExpressionResult{}, fmt.Errorf("expression is required")
		}
		result, err := gw.RequestChange(ctx, gateway.ChangeRequest{
			Expression: input.Expression,
			Transition: input.Transition,
			Duration:   input.Duration,
		})
		if err != nil {
			return nil, ChangeExpressionResult{}, err
		}
		return nil, ChangeExpressionResult{DisplayName: result.DisplayName}, nil
	}
}

func CurrentExpressionHandler(gw *gateway.Gateway) mcp.ToolHandlerFor[CurrentExpressionInput, CurrentExpressionResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CurrentExpressionInput) (*mcp.CallToolResult, CurrentExpressionResult, error) {
		current, err := gw.CurrentExpression(ctx)
		if err != nil {
			return nil, CurrentExpressionResult{}, fmt.Errorf("current expression: %w", err)
		}
		if current == nil {
			return nil, CurrentExpressionResult{Status: "none"}, nil
		}
		return nil, CurrentExpressionResult{
			Status:      "selected",
			Name:        current.Name,
			DisplayName: current.DisplayName,
		}, nil
	}
}
