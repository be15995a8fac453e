package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultConversationTitle is used until a title model names the conversation
const DefaultConversationTitle = "New Conversation"

// ErrConversationNotFound is returned when appending to a conversation that does not exist
var ErrConversationNotFound = errors.New("conversation not found")

// storageMu serializes read-modify-write cycles on conversation files
var storageMu sync.Mutex

// EnsureDataDir ensures the data directory exists.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir, 0755)
}

// GetConversationPath returns the file path for a conversation.
func GetConversationPath(conversationID string) string {
	return filepath.Join(DataDir, conversationID+".json")
}

// CreateConversation creates an empty conversation with the default title and saves it.
func CreateConversation(conversationID string) (*Conversation, error) {
	conversation := &Conversation{
		ID:        conversationID,
		CreatedAt: time.Now().UTC(),
		Title:     DefaultConversationTitle,
		Messages:  []Message{},
	}

	storageMu.Lock()
	defer storageMu.Unlock()

	if err := SaveConversation(conversation); err != nil {
		return nil, err
	}
	return conversation, nil
}

// GetConversation loads a conversation from storage by ID.
// Returns nil without error if the conversation doesn't exist.
func GetConversation(conversationID string) (*Conversation, error) {
	data, err := os.ReadFile(GetConversationPath(conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	var conversation Conversation
	if err := json.Unmarshal(data, &conversation); err != nil {
		return nil, fmt.Errorf("failed to parse conversation JSON: %w", err)
	}

	return &conversation, nil
}

// SaveConversation writes a conversation as indented JSON.
// The file is replaced by rename so readers never see a partial deliberation.
func SaveConversation(conversation *Conversation) error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(conversation, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	tmp, err := os.CreateTemp(DataDir, conversation.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}
	if err := os.Rename(tmp.Name(), GetConversationPath(conversation.ID)); err != nil {
		return fmt.Errorf("failed to write conversation file: %w", err)
	}

	return nil
}

// ListConversations returns conversation metadata, newest first.
// Unreadable or invalid files are skipped.
func ListConversations() ([]ConversationMetadata, error) {
	if err := EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	entries, err := os.ReadDir(DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	// Empty slice, not nil, so the API returns [] rather than null
	conversations := make([]ConversationMetadata, 0)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(DataDir, entry.Name()))
		if err != nil {
			continue
		}

		var conv Conversation
		if err := json.Unmarshal(data, &conv); err != nil {
			continue
		}

		conversations = append(conversations, summarizeConversation(&conv))
	}

	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].CreatedAt.After(conversations[j].CreatedAt)
	})

	return conversations, nil
}

// summarizeConversation extracts list metadata, including how the latest turn ran
func summarizeConversation(conv *Conversation) ConversationMetadata {
	meta := ConversationMetadata{
		ID:           conv.ID,
		CreatedAt:    conv.CreatedAt,
		Title:        conv.Title,
		MessageCount: len(conv.Messages),
	}

	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if msg.Role != "assistant" {
			continue
		}
		if msg.Metadata != nil {
			meta.LastExecutionMode = msg.Metadata.ExecutionMode
		}
		meta.LastFailed = msg.Error != ""
		break
	}

	return meta
}

// updateConversation loads a conversation, applies mutate and saves it under storageMu
func updateConversation(conversationID string, mutate func(*Conversation)) error {
	storageMu.Lock()
	defer storageMu.Unlock()

	conversation, err := GetConversation(conversationID)
	if err != nil {
		return err
	}
	if conversation == nil {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	mutate(conversation)
	return SaveConversation(conversation)
}

// AddUserMessage appends the user's turn to a conversation.
func AddUserMessage(conversationID string, content string) error {
	return updateConversation(conversationID, func(conversation *Conversation) {
		conversation.Messages = append(conversation.Messages, Message{
			Role:    "user",
			Content: content,
		})
	})
}

// AddAssistantMessage stores a deliberation result as a single assistant message.
// A generated title replaces the conversation title in the same write.
func AddAssistantMessage(conversationID string, result *DeliberationResult) error {
	if result == nil {
		return fmt.Errorf("no deliberation result to store")
	}

	metadata := result.Metadata
	return updateConversation(conversationID, func(conversation *Conversation) {
		conversation.Messages = append(conversation.Messages, Message{
			Role:     "assistant",
			Stage1:   result.Stage1,
			Stage2:   result.Stage2,
			Stage3:   result.Stage3,
			Metadata: &metadata,
		})
		if result.Title != "" {
			conversation.Title = result.Title
		}
	})
}

// AddErrorMessage records a deliberation that could not start, so the history shows the failed turn.
func AddErrorMessage(conversationID string, errorText string) error {
	return updateConversation(conversationID, func(conversation *Conversation) {
		conversation.Messages = append(conversation.Messages, Message{
			Role:  "assistant",
			Error: errorText,
		})
	})
}

// DeleteConversation removes a conversation from storage.
// Returns false without error if the conversation doesn't exist.
func DeleteConversation(conversationID string) (bool, error) {
	storageMu.Lock()
	defer storageMu.Unlock()

	if err := os.Remove(GetConversationPath(conversationID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to delete conversation file: %w", err)
	}

	return true, nil
}

// ValidConversationID reports whether an ID is safe to use as a file name
func ValidConversationID(conversationID string) bool {
	_, err := uuid.Parse(conversationID)
	return err == nil
}
