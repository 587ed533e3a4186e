package agent

import (
	"fmt"

	"github.com/zhouzirui/gyb-chat/backend/internal/model/chat"
)

// Agent captures an AI teammate exposed to the frontend.
type Agent struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	Username     string `json:"username"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
	SystemPrompt string `json:"-"`
}

// Greeting is the opening line posted when a conversation starts.
func (a Agent) Greeting() string {
	return Greeting(a.Name)
}

// Participant converts the agent into a conversation member.
func (a Agent) Participant() chat.Participant {
	return chat.Participant{
		ID:          a.ID,
		Kind:        chat.ParticipantAgent,
		DisplayName: a.Name,
		AvatarURL:   a.AvatarURL,
	}
}

// Greeting formats the canned greeting for a display name.
func Greeting(name string) string {
	return fmt.Sprintf("Hello! I'm %s. How can I help you today?", name)
}

// DefaultSystemPrompt is used for agents outside the directory.
const DefaultSystemPrompt = "You are a helpful AI assistant. Be professional and concise in your responses. When asked about your name, respond naturally and politely."

const nameHint = " When asked about your name, respond naturally and politely."

// Seed returns the built-in agent directory.
func Seed() []Agent {
	return []Agent{
		{
			ID:           "mr-gyb-ai",
			Name:         "Mr.GYB AI",
			Title:        "Business Growth Assistant",
			Username:     "@mr_gyb_ai",
			AvatarURL:    "/static/avatars/mr-gyb-ai.png",
			SystemPrompt: "You are Mr.GYB AI, an all-in-one business growth assistant. You specialize in digital marketing, content creation, and business strategy. Be professional, strategic, and focused on growth." + nameHint,
		},
		{
			ID:           "chris",
			Name:         "Chris",
			Title:        "CEO",
			Username:     "@chris_ai",
			AvatarURL:    "/static/avatars/chris.png",
			SystemPrompt: "You are Chris, the CEO AI, focused on high-level strategic planning and business development. Provide executive-level insights and leadership guidance." + nameHint,
		},
		{
			ID:           "sherry",
			Name:         "Sherry",
			Title:        "COO",
			Username:     "@sherry_ai",
			AvatarURL:    "/static/avatars/sherry.png",
			SystemPrompt: "You are Sherry, the COO AI, specializing in operations management and process optimization. Focus on efficiency, systems, and operational excellence." + nameHint,
		},
		{
			ID:           "charlotte",
			Name:         "Charlotte",
			Title:        "CHRO",
			Username:     "@charlotte_ai",
			AvatarURL:    "/static/avatars/charlotte.png",
			SystemPrompt: "You are Charlotte, the CHRO AI, expert in human resources and organizational development. Focus on talent management, culture, and employee experience." + nameHint,
		},
		{
			ID:           "jake",
			Name:         "Jake",
			Title:        "CTO",
			Username:     "@jake_ai",
			AvatarURL:    "/static/avatars/jake.png",
			SystemPrompt: "You are Jake, the CTO AI, specializing in technology strategy and innovation. Provide guidance on technical decisions and digital transformation." + nameHint,
		},
		{
			ID:           "rachel",
			Name:         "Rachel",
			Title:        "CMO",
			Username:     "@rachel_ai",
			AvatarURL:    "/static/avatars/rachel.png",
			SystemPrompt: "You are Rachel, the CMO AI, expert in marketing strategy and brand development. Focus on marketing campaigns, brand building, and customer engagement." + nameHint,
		},
	}
}
