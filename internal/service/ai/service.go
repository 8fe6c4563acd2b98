// Package ai talks to the hosted chat model: it turns a user's
// natural-language request into hardware function calls, executes them
// through the relay, and returns the model's final text.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/arducord/arducord/internal/config"
	"github.com/arducord/arducord/internal/model/session"
)

// maxToolRounds caps the generate/execute loop so a misbehaving model cannot
// keep the relay in an unbounded back-and-forth.
const maxToolRounds = 10

const historyLimit = 10

const systemPrompt = "You are an assistant that controls an Arduino over a " +
	"serial bridge. Use the provided functions to operate the hardware; do " +
	"not invent capabilities the functions do not offer. Report function " +
	"errors back to the user plainly. Keep answers short."

// ToolExecutor runs one named hardware function with its argument bag and
// returns a textual result for the model.
type ToolExecutor func(ctx context.Context, command string, params map[string]any) (string, error)

// Service owns per-credential chat model clients. Tool definitions are bound
// once per client.
type Service struct {
	cfg config.AIConfig

	mu      sync.Mutex
	clients map[string]model.ChatModel
}

// NewService creates the AI service.
func NewService(cfg config.AIConfig) *Service {
	return &Service{cfg: cfg, clients: make(map[string]model.ChatModel)}
}

func (s *Service) clientFor(ctx context.Context, credential string) (model.ChatModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cm, ok := s.clients[credential]; ok {
		return cm, nil
	}

	cm, err := s.cfg.NewChatModel(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	if err := cm.BindTools(ToolInfos()); err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}

	s.clients[credential] = cm
	return cm, nil
}

// Respond runs one conversational turn: it sends the history plus userText
// to the model and, while the model requests function calls, executes all
// calls of each round concurrently, feeds the results back, and repeats
// until the model answers with text or the round cap is hit.
func (s *Service) Respond(ctx context.Context, credential string, history []session.Turn, userText string, exec ToolExecutor) (string, error) {
	cm, err := s.clientFor(ctx, credential)
	if err != nil {
		return "", err
	}

	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, schema.SystemMessage(systemPrompt))
	msgs = append(msgs, historyMessages(history)...)
	msgs = append(msgs, schema.UserMessage(userText))

	for round := 0; round < maxToolRounds; round++ {
		resp, err := cm.Generate(ctx, msgs)
		if err != nil {
			return "", fmt.Errorf("model generate: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		log.Printf("[ai] round %d: model requested %d function call(s)", round+1, len(resp.ToolCalls))
		msgs = append(msgs, resp)
		msgs = append(msgs, s.executeCalls(ctx, resp.ToolCalls, exec)...)
	}

	return "", fmt.Errorf("model exceeded %d function-call rounds", maxToolRounds)
}

// executeCalls runs every call of one model turn concurrently. Each call's
// success or failure stands alone; a failing call never blocks its siblings.
func (s *Service) executeCalls(ctx context.Context, calls []schema.ToolCall, exec ToolExecutor) []*schema.Message {
	results := make([]*schema.Message, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call schema.ToolCall) {
			defer wg.Done()
			results[i] = schema.ToolMessage(s.executeCall(ctx, call, exec), call.ID)
		}(i, call)
	}
	wg.Wait()

	return results
}

func (s *Service) executeCall(ctx context.Context, call schema.ToolCall, exec ToolExecutor) string {
	command, ok := CommandForTool(call.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown function %q", call.Function.Name)
	}

	var params map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return fmt.Sprintf("error: malformed arguments: %v", err)
		}
	}

	out, err := exec(ctx, command, params)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

func historyMessages(history []session.Turn) []*schema.Message {
	startIdx := 0
	if len(history) > historyLimit {
		startIdx = len(history) - historyLimit
	}

	msgs := make([]*schema.Message, 0, len(history)-startIdx)
	for _, turn := range history[startIdx:] {
		switch turn.Role {
		case "user":
			msgs = append(msgs, schema.UserMessage(turn.Content))
		case "assistant":
			msgs = append(msgs, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return msgs
}
