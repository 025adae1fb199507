package repo

import "github.com/LeventeLantos/whatsapp-queue/internal/model"

func (r *MemoryConversationRepo) closeConversation(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.conversations[conversationID]; ok {
		conv.Status = model.ConversationClosed
	}
}
