package game

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jaloqa/whoami-server/internals/metrics"
)

const (
	codeCharset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeLength  = 6
	codeAttempts   = 64
	minPlayers     = 2
	DefaultPlayers = 8
)

type Player struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsHost       bool      `json:"isHost"`
	VideoEnabled bool      `json:"videoEnabled"`
	AudioEnabled bool      `json:"audioEnabled"`
	LastActive   time.Time `json:"lastActive"`
}

// Room is the authoritative game-plane record. All mutation happens under mu,
// through Registry methods; media-plane state lives elsewhere and is linked
// only by Code and player ids.
type Room struct {
	Code                 string
	HostID               string
	Players              []*Player // insertion order = join order
	GameStarted          bool
	CharacterAssignments map[string]string // assigner -> target
	Characters           map[string]string // target -> secret character
	MaxPlayers           int
	CreatedAt            time.Time

	mu     sync.Mutex
	closed bool
}

type PlayerSnapshot struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IsHost       bool      `json:"isHost"`
	VideoEnabled bool      `json:"videoEnabled"`
	AudioEnabled bool      `json:"audioEnabled"`
	Character    string    `json:"character,omitempty"` // the one assigned TO this player
	LastActive   time.Time `json:"lastActive"`
}

type RoomSnapshot struct {
	Code                 string            `json:"roomCode"`
	HostID               string            `json:"hostId"`
	Players              []PlayerSnapshot  `json:"players"`
	GameStarted          bool              `json:"gameStarted"`
	CharacterAssignments map[string]string `json:"characterAssignments"`
	Characters           map[string]string `json:"characters"`
	MaxPlayers           int               `json:"maxPlayers"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// PlayerUpdate carries an update-player-state mutation; nil fields are untouched.
type PlayerUpdate struct {
	Name         *string
	VideoEnabled *bool
	AudioEnabled *bool
}

// Registry owns every live Room. The registry lock covers only the code->room
// map; each room serializes its own mutation, so rooms stay independent.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	maxPlayers int
	codeLength int

	rngMu sync.Mutex
	rng   *rand.Rand

	logger *zap.Logger
}

func NewRegistry(maxPlayers, codeLength int, logger *zap.Logger) *Registry {
	if maxPlayers <= 0 {
		maxPlayers = DefaultPlayers
	}
	if codeLength < 4 || codeLength > maxCodeLength {
		codeLength = 4
	}
	return &Registry{
		rooms:      make(map[string]*Room),
		maxPlayers: maxPlayers,
		codeLength: codeLength,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
	}
}

// SeedRand pins the shuffle order; used by tests that need a known cycle.
func (r *Registry) SeedRand(seed int64) {
	r.rngMu.Lock()
	r.rng = rand.New(rand.NewSource(seed))
	r.rngMu.Unlock()
}

func (r *Registry) randIntn(n int) int {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Intn(n)
}

func (r *Registry) generateCode(length int) string {
	var b strings.Builder
	for i := 0; i < length; i++ {
		b.WriteByte(codeCharset[r.randIntn(len(codeCharset))])
	}
	return b.String()
}

// CreateRoom allocates a collision-free code and a room with one player marked
// host. The player id is the caller's connection identity.
func (r *Registry) CreateRoom(playerID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", NewError(ReasonEmptyName, "player name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code := ""
	length := r.codeLength
	for attempt := 0; ; attempt++ {
		code = r.generateCode(length)
		if _, taken := r.rooms[code]; !taken {
			break
		}
		// Code space is filling up; widen the code instead of spinning.
		if attempt > 0 && attempt%codeAttempts == 0 && length < maxCodeLength {
			length++
		}
	}

	now := time.Now()
	room := &Room{
		Code:   code,
		HostID: playerID,
		Players: []*Player{{
			ID:           playerID,
			Name:         name,
			IsHost:       true,
			VideoEnabled: true,
			AudioEnabled: true,
			LastActive:   now,
		}},
		CharacterAssignments: make(map[string]string),
		Characters:           make(map[string]string),
		MaxPlayers:           r.maxPlayers,
		CreatedAt:            now,
	}
	r.rooms[code] = room

	metrics.ActiveRooms.Inc()
	metrics.ActivePlayers.Inc()
	r.logger.Info("Room created",
		zap.String("roomCode", code),
		zap.String("playerID", playerID),
		zap.String("name", name),
	)
	return code, nil
}

func (r *Registry) room(code string) (*Room, error) {
	r.mu.RLock()
	room, ok := r.rooms[code]
	r.mu.RUnlock()
	if !ok {
		return nil, NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}
	return room, nil
}

// JoinRoom adds a player. Rejoining with the same connection identity updates
// the display name instead of duplicating the player.
func (r *Registry) JoinRoom(code, playerID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return NewError(ReasonEmptyName, "player name is required")
	}

	room, err := r.room(code)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}
	if room.GameStarted {
		return NewError(ReasonAlreadyStarted, "game already started")
	}

	for _, p := range room.Players {
		if p.ID == playerID {
			p.Name = name
			p.LastActive = time.Now()
			return nil
		}
	}
	for _, p := range room.Players {
		if strings.EqualFold(p.Name, name) {
			return NewError(ReasonNameTaken, "that name is already taken in this room")
		}
	}
	if len(room.Players) >= room.MaxPlayers {
		return NewError(ReasonRoomFull, "room is full")
	}

	room.Players = append(room.Players, &Player{
		ID:           playerID,
		Name:         name,
		VideoEnabled: true,
		AudioEnabled: true,
		LastActive:   time.Now(),
	})

	metrics.ActivePlayers.Inc()
	r.logger.Info("Player joined",
		zap.String("roomCode", code),
		zap.String("playerID", playerID),
		zap.String("name", name),
		zap.Int("players", len(room.Players)),
	)
	return nil
}

// StartGame flips gameStarted and computes the character-assignment cycle.
// Host-only; irreversible for the room's lifetime.
func (r *Registry) StartGame(code, callerID string) (map[string]string, error) {
	room, err := r.room(code)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return nil, NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}
	if room.HostID != callerID {
		return nil, NewError(ReasonNotHost, "only the host can start the game")
	}
	if len(room.Players) < minPlayers {
		return nil, NewError(ReasonTooFewPlayers, "need at least 2 players to start")
	}
	if room.GameStarted {
		return nil, NewError(ReasonAlreadyStarted, "game already started")
	}

	ids := make([]string, len(room.Players))
	for i, p := range room.Players {
		ids[i] = p.ID
	}

	r.rngMu.Lock()
	room.CharacterAssignments = Assign(r.rng, ids)
	r.rngMu.Unlock()
	room.GameStarted = true

	metrics.GamesStartedTotal.Inc()
	r.logger.Info("Game started",
		zap.String("roomCode", code),
		zap.Int("players", len(room.Players)),
	)

	out := make(map[string]string, len(room.CharacterAssignments))
	for k, v := range room.CharacterAssignments {
		out[k] = v
	}
	return out, nil
}

// SetCharacter records the secret character for targetID. Only the player the
// cycle matched with the target may set it.
func (r *Registry) SetCharacter(code, callerID, targetID, character string) error {
	room, err := r.room(code)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}
	if !room.GameStarted {
		return NewError(ReasonNotStarted, "game has not started")
	}
	if room.CharacterAssignments[callerID] != targetID {
		return NewError(ReasonUnauthorized, "you were not assigned this player")
	}

	room.Characters[targetID] = character
	if p := room.playerLocked(callerID); p != nil {
		p.LastActive = time.Now()
	}

	metrics.CharactersAssignedTotal.Inc()
	r.logger.Info("Character set",
		zap.String("roomCode", code),
		zap.String("targetPlayerID", targetID),
	)
	return nil
}

// UpdatePlayerState applies an activity/media-toggle mutation to one player.
func (r *Registry) UpdatePlayerState(code, playerID string, upd PlayerUpdate) error {
	room, err := r.room(code)
	if err != nil {
		return err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}
	p := room.playerLocked(playerID)
	if p == nil {
		return NewError(ReasonPlayerNotFound, "player not in room")
	}

	if upd.Name != nil && strings.TrimSpace(*upd.Name) != "" {
		p.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.VideoEnabled != nil {
		p.VideoEnabled = *upd.VideoEnabled
	}
	if upd.AudioEnabled != nil {
		p.AudioEnabled = *upd.AudioEnabled
	}
	p.LastActive = time.Now()
	return nil
}

func (room *Room) playerLocked(playerID string) *Player {
	for _, p := range room.Players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// LeaveRoom removes the player. An emptied room is deleted; otherwise a
// departing host hands off to the earliest remaining joiner.
func (r *Registry) LeaveRoom(code, playerID string) (removed, deleted bool) {
	room, err := r.room(code)
	if err != nil {
		return false, false
	}

	room.mu.Lock()
	idx := -1
	for i, p := range room.Players {
		if p.ID == playerID {
			idx = i
			break
		}
	}
	if idx == -1 || room.closed {
		room.mu.Unlock()
		return false, false
	}

	wasHost := room.Players[idx].IsHost
	room.Players = append(room.Players[:idx], room.Players[idx+1:]...)
	delete(room.Characters, playerID)
	delete(room.CharacterAssignments, playerID)
	for assigner, target := range room.CharacterAssignments {
		if target == playerID {
			delete(room.CharacterAssignments, assigner)
		}
	}

	if len(room.Players) == 0 {
		room.closed = true
		deleted = true
	} else if wasHost {
		room.Players[0].IsHost = true
		room.HostID = room.Players[0].ID
	}
	room.mu.Unlock()

	metrics.ActivePlayers.Dec()

	if deleted {
		r.mu.Lock()
		delete(r.rooms, code)
		r.mu.Unlock()
		metrics.ActiveRooms.Dec()
		r.logger.Info("Room deleted (empty)", zap.String("roomCode", code))
	} else {
		r.logger.Info("Player left",
			zap.String("roomCode", code),
			zap.String("playerID", playerID),
		)
	}
	return true, deleted
}

// Snapshot returns the read-only projection broadcast to clients.
func (r *Registry) Snapshot(code string) (*RoomSnapshot, error) {
	room, err := r.room(code)
	if err != nil {
		return nil, err
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.closed {
		return nil, NewError(ReasonRoomNotFound, fmt.Sprintf("room %s not found", code))
	}

	snap := &RoomSnapshot{
		Code:                 room.Code,
		HostID:               room.HostID,
		Players:              make([]PlayerSnapshot, 0, len(room.Players)),
		GameStarted:          room.GameStarted,
		CharacterAssignments: make(map[string]string, len(room.CharacterAssignments)),
		Characters:           make(map[string]string, len(room.Characters)),
		MaxPlayers:           room.MaxPlayers,
		CreatedAt:            room.CreatedAt,
	}
	for _, p := range room.Players {
		snap.Players = append(snap.Players, PlayerSnapshot{
			ID:           p.ID,
			Name:         p.Name,
			IsHost:       p.IsHost,
			VideoEnabled: p.VideoEnabled,
			AudioEnabled: p.AudioEnabled,
			Character:    room.Characters[p.ID],
			LastActive:   p.LastActive,
		})
	}
	for k, v := range room.CharacterAssignments {
		snap.CharacterAssignments[k] = v
	}
	for k, v := range room.Characters {
		snap.Characters[k] = v
	}
	return snap, nil
}

// PlayerIDs returns the connection ids currently bound to the room, join order.
func (r *Registry) PlayerIDs(code string) []string {
	room, err := r.room(code)
	if err != nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	ids := make([]string, 0, len(room.Players))
	for _, p := range room.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

// CleanupExpired deletes every room older than ttl and reports the evicted
// codes so the caller can tear down the matching media rooms. Sweeping twice
// is safe.
func (r *Registry) CleanupExpired(now time.Time, ttl time.Duration) []string {
	r.mu.Lock()
	var expired []*Room
	for _, room := range r.rooms {
		if now.Sub(room.CreatedAt) > ttl {
			expired = append(expired, room)
		}
	}
	r.mu.Unlock()

	codes := make([]string, 0, len(expired))
	for _, room := range expired {
		room.mu.Lock()
		if room.closed {
			room.mu.Unlock()
			continue
		}
		room.closed = true
		players := len(room.Players)
		room.mu.Unlock()

		r.mu.Lock()
		delete(r.rooms, room.Code)
		r.mu.Unlock()

		metrics.ActiveRooms.Dec()
		metrics.ActivePlayers.Sub(float64(players))
		metrics.RoomsReapedTotal.Inc()
		codes = append(codes, room.Code)
		r.logger.Info("Room expired",
			zap.String("roomCode", room.Code),
			zap.Duration("age", now.Sub(room.CreatedAt)),
		)
	}
	return codes
}

// Counts reports live rooms and players for health checks.
func (r *Registry) Counts() (rooms, players int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms = len(r.rooms)
	for _, room := range r.rooms {
		room.mu.Lock()
		players += len(room.Players)
		room.mu.Unlock()
	}
	return rooms, players
}

// Stats lists per-room stats for the ops API.
func (r *Registry) Stats() []map[string]interface{} {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(rooms))
	for _, room := range rooms {
		room.mu.Lock()
		out = append(out, map[string]interface{}{
			"roomCode":    room.Code,
			"players":     len(room.Players),
			"maxPlayers":  room.MaxPlayers,
			"gameStarted": room.GameStarted,
			"createdAt":   room.CreatedAt,
		})
		room.mu.Unlock()
	}
	return out
}
