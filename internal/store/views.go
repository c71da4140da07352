// internal/store/views.go
package store

import (
	"context"
	"encoding/json"
)

// GameSnapshot is one observation of a game record from a watch stream.
type GameSnapshot struct {
	Game    Game
	Version int64
}

// GetActiveGames reads the public active-games listing. Absent means no
// games yet; the version still participates in graduation preconditions.
func (s *Store) GetActiveGames(ctx context.Context) ([]ActiveGame, int64, error) {
	var games []ActiveGame
	ver, err := s.Load(ctx, ActiveGamesKey, &games)
	return games, ver, err
}

// GetAllAvailableRooms lists rooms by prefix and filters out private ones.
func (s *Store) GetAllAvailableRooms(ctx context.Context) ([]AvailableRoom, error) {
	entries, err := s.db.ListPrefix(ctx, RoomsPrefix())
	if err != nil {
		return nil, err
	}
	rooms := []AvailableRoom{}
	for _, e := range entries {
		var room Room
		if err := json.Unmarshal(e.Value, &room); err != nil {
			s.log.WithField("key", e.Key).Warnf("skipping undecodable room: %v", err)
			continue
		}
		if room.Private {
			continue
		}
		players := make([]Player, len(room.Members))
		for i, m := range room.Members {
			players[i] = m.Player
		}
		rooms = append(rooms, AvailableRoom{
			RoomID:     e.Key[len(RoomsPrefix()):],
			NumPlayers: room.NumPlayers,
			Config:     room.Config,
			Players:    players,
		})
	}
	return rooms, nil
}

// GetGame reads a game record; absence is ErrNotFound.
func (s *Store) GetGame(ctx context.Context, gameID string) (Game, int64, error) {
	var g Game
	ver, err := s.Require(ctx, GameKey(gameID), &g)
	return g, ver, err
}

// WatchActiveGames yields the active-games listing on every change.
func (s *Store) WatchActiveGames(ctx context.Context) <-chan []ActiveGame {
	out := make(chan []ActiveGame)
	go func() {
		defer close(out)
		for snap := range s.db.Watch(ctx, ActiveGamesKey) {
			games := []ActiveGame{}
			if snap[0].Present() {
				if err := json.Unmarshal(snap[0].Value, &games); err != nil {
					s.log.Warnf("skipping undecodable active-games listing: %v", err)
					continue
				}
			}
			select {
			case out <- games:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WatchAvailableRooms watches the room-list trigger and re-reads the derived
// public listing after every fire. The trigger-then-read indirection means a
// brief window where the listing lags a change; each fire closes it.
func (s *Store) WatchAvailableRooms(ctx context.Context) <-chan []AvailableRoom {
	out := make(chan []AvailableRoom)
	go func() {
		defer close(out)
		for range s.db.Watch(ctx, RoomListTrigger) {
			rooms, err := s.GetAllAvailableRooms(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.log.Warnf("failed to list available rooms: %v", err)
				continue
			}
			select {
			case out <- rooms:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WatchGame yields each observed state of one game record, skipping absence.
func (s *Store) WatchGame(ctx context.Context, gameID string) <-chan GameSnapshot {
	out := make(chan GameSnapshot)
	go func() {
		defer close(out)
		for snap := range s.db.Watch(ctx, GameKey(gameID)) {
			if !snap[0].Present() {
				continue
			}
			var g Game
			if err := json.Unmarshal(snap[0].Value, &g); err != nil {
				s.log.WithField("gameId", gameID).Warnf("skipping undecodable game: %v", err)
				continue
			}
			select {
			case out <- GameSnapshot{Game: g, Version: snap[0].Version}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WatchAssignment yields only non-absent values of an entry's assignment
// key. At most one assignment is ever written per entry.
func (s *Store) WatchAssignment(ctx context.Context, entryID string) <-chan Assignment {
	out := make(chan Assignment)
	go func() {
		defer close(out)
		for snap := range s.db.Watch(ctx, AssignmentKey(entryID)) {
			if !snap[0].Present() {
				continue
			}
			var a Assignment
			if err := json.Unmarshal(snap[0].Value, &a); err != nil {
				s.log.WithField("entryId", entryID).Warnf("skipping undecodable assignment: %v", err)
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// WatchUser yields each observed state of a user record, skipping absence.
func (s *Store) WatchUser(ctx context.Context, userID string) <-chan User {
	out := make(chan User)
	go func() {
		defer close(out)
		for snap := range s.db.Watch(ctx, UserKey(userID)) {
			if !snap[0].Present() {
				continue
			}
			var u User
			if err := json.Unmarshal(snap[0].Value, &u); err != nil {
				s.log.WithField("userId", userID).Warnf("skipping undecodable user: %v", err)
				continue
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
