package transport

import "fmt"

// Topic mapping is bit-exact per spec §4.1.

func activationPolicyTopic(id string) string  { return fmt.Sprintf("iotcs/%s/activation/policy", id) }
func activationPolicyReply(id string) string  { return fmt.Sprintf("devices/%s/activation/policy", id) }
func activationDirectTopic(id string) string  { return fmt.Sprintf("iotcs/%s/activation/direct", id) }
func activationDirectReply(id string) string  { return fmt.Sprintf("devices/%s/activation/direct", id) }
func activationIndirectTopic(id string) string {
	return fmt.Sprintf("iotcs/%s/activation/indirect/device", id)
}
func activationIndirectReply(id string) string {
	return fmt.Sprintf("devices/%s/activation/indirect/device", id)
}
func messagesPublishTopic(endpointID string) string { return fmt.Sprintf("iotcs/%s/messages", endpointID) }
func messagesSubscribeTopic(endpointID string) string {
	return fmt.Sprintf("devices/%s/messages", endpointID)
}
func deviceModelsTopic(id string) string      { return fmt.Sprintf("iotcs/%s/deviceModels", id) }
func deviceModelsReply(id string) string      { return fmt.Sprintf("devices/%s/deviceModels", id) }
func errorTopic(expectedReply string) string  { return expectedReply + "/error" }
