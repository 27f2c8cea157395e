package hub

import (
	"github.com/samber/lo"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Audience selects the connections a frame is pushed to.
type Audience interface {
	connections(r *Registry) []Conn
}

type users []int64

// Users targets every connection of the given users. Duplicates are ignored.
func Users(ids ...int64) Audience {
	return users(lo.Uniq(ids))
}

func (u users) connections(r *Registry) []Conn {
	var out []Conn
	for _, id := range u {
		out = append(out, r.ActiveConnections(id)...)
	}
	return out
}

type allExcept int64

// AllExcept targets every connection not owned by userID.
func AllExcept(userID int64) Audience {
	return allExcept(userID)
}

func (a allExcept) connections(r *Registry) []Conn {
	var out []Conn
	r.each(func(id int64, c Conn) {
		if id != int64(a) {
			out = append(out, c)
		}
	})
	return out
}

// Dispatch pushes frame to every connection of the audience and returns how
// many accepted it. Pushes never block. A connection that cannot accept the
// frame is closed as a slow consumer; the rest are unaffected.
func (r *Registry) Dispatch(a Audience, frame []byte) int {
	delivered := 0
	for _, c := range a.connections(r) {
		if c.Push(frame) {
			delivered++
			continue
		}
		l := log.L()
		l.Warn().
			Str(log.FieldConnID, c.ID()).
			Int64(log.FieldUserID, c.UserID()).
			Msg("connection rejected frame, closing as slow consumer")
		c.Close()
	}
	return delivered
}
