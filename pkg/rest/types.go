package rest

// Role is a group role with its granted permissions.
type Role struct {
	RoleID      int64    `json:"role_id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// ServerSummary is the short server descriptor embedded in a group.
type ServerSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Group is the group descriptor returned by the platform.
type Group struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	MemberCount int             `json:"member_count"`
	Servers     []ServerSummary `json:"servers"`
	Roles       []Role          `json:"roles"`
}

// Member describes one user's membership in a group.
type Member struct {
	GroupID int64  `json:"group_id"`
	UserID  string `json:"user_id"`
	RoleID  int64  `json:"role_id"`
}

// JoinedGroup pairs a group with the caller's membership in it.
type JoinedGroup struct {
	Group  Group  `json:"group"`
	Member Member `json:"member"`
}

// Invite is a pending group invite.
type Invite struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Player is a connected player on a server.
type Player struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ServerStatus is the server descriptor carried by both REST lookups and
// group-server-heartbeat events.
type ServerStatus struct {
	ID            int64    `json:"id"`
	GroupID       int64    `json:"group_id"`
	Name          string   `json:"name"`
	Fleet         string   `json:"fleet"`
	Playability   string   `json:"playability"`
	IsOnline      bool     `json:"is_online"`
	OnlinePlayers []Player `json:"online_players"`
}

// ConsoleEndpoint is the address of a server's console WebSocket.
type ConsoleEndpoint struct {
	Address       string `json:"address"`
	WebsocketPort int    `json:"websocket_port"`
}

// ConnectionDetails is the response to a console connection request. The
// token is single-use.
type ConnectionDetails struct {
	ServerID   int64            `json:"server_id"`
	Allowed    bool             `json:"allowed"`
	Token      string           `json:"token"`
	Connection *ConsoleEndpoint `json:"connection"`
}

// apiError is the error envelope the platform uses for non-2xx responses.
type apiError struct {
	Message string `json:"message"`
}
