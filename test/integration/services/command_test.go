package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/commandmesh/platform/test/integration"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type CommandServiceSuite struct {
	integration.IntegrationSuite
}

func TestCommandService(t *testing.T) {
	integration.RunIntegrationTest(t, new(CommandServiceSuite))
}

// TestUnregisteredCommandReachesFailed submits a command for a type no
// handler package registered with the worker. Every deployment of
// this stack is free to register its own handlers, but the generic
// binaries in this repo start with an empty registry, so any command
// name is deterministically "no handler registered" - a real exercise
// of the executor's terminal failure path without needing a domain
// handler to exist.
func (s *CommandServiceSuite) TestUnregisteredCommandReachesFailed() {
	payload := map[string]interface{}{"hello": "world"}
	body, err := json.Marshal(payload)
	s.Require().NoError(err)

	commandName := "IntegrationProbe"
	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/commands/%s", s.GatewayURL, commandName), bytes.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Require().Equal(http.StatusAccepted, resp.StatusCode)

	var submitted struct {
		CommandID string `json:"commandId"`
	}
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&submitted))
	s.Require().NotEmpty(submitted.CommandID)

	s.eventuallyFailed(submitted.CommandID)
}

func (s *CommandServiceSuite) eventuallyFailed(commandID string) {
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/commands/%s", s.GatewayURL, commandID))
		if err == nil {
			var status struct {
				Status string `json:"status"`
			}
			if resp.StatusCode == http.StatusOK {
				_ = json.NewDecoder(resp.Body).Decode(&status)
			}
			resp.Body.Close()
			if status.Status == "FAILED" {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	s.T().Fatalf("command %s did not reach FAILED within timeout", commandID)
}

var _ suite.TestingSuite = (*CommandServiceSuite)(nil)
