package v1

// HelloAuth mirrors the auth block sent on connect.
type HelloAuth struct {
	Token string `json:"token"`
}

type HelloPayload struct {
	Auth HelloAuth `json:"auth"`
}

type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
}

// RoomPayload is the body of join and leave.
type RoomPayload struct {
	Room string `json:"room"`
}

type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type SendMessagePayload struct {
	TaskID      string       `json:"taskId"`
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	FileURLs    []Attachment `json:"file_urls,omitempty"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
}

type NewMessagePayload struct {
	Sender      string       `json:"sender"`
	Text        string       `json:"text"`
	FileURLs    []Attachment `json:"file_urls,omitempty"`
	Timestamp   string       `json:"timestamp"`
	ClientMsgID string       `json:"client_msg_id,omitempty"`
}

type StatusUpdatePayload struct {
	TaskID string `json:"taskId,omitempty"`
	Status string `json:"status"`
}

type ServiceStatusPayload struct {
	IsOnline bool `json:"isOnline"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
