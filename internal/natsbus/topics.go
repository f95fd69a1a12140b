package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicEventsWorkflow(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

func TopicEventsDispatch(agentID string) string {
	return fmt.Sprintf("events.dispatch.%s", agentID)
}

// SubjectMessages is the JetStream subject entries of a message stream
// are published under.
func SubjectMessages(stream string) string {
	return fmt.Sprintf("%s.messages", stream)
}

const (
	TopicEventsAll       = "events.>"
	TopicEventsWorkflows = "events.workflow.*"
)
