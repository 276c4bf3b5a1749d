package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghaiht95/genmob/config"
	"github.com/ghaiht95/genmob/retry"
	"github.com/ghaiht95/genmob/types"
	"github.com/hashicorp/go-hclog"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var lockRoom = clause.Locking{Strength: "UPDATE"}

type GormPersist struct {
	db    *gorm.DB
	retry *retry.Executor
}

// NewGormPersister opens the configured database, migrates the schema and wraps every call in the retry policy.
func NewGormPersister(cfg config.PersistenceConfig, policy retry.Policy, logger hclog.Logger) (*GormPersist, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{
		db:    db,
		retry: retry.New(policy, IsTransient, types.ErrInternal, logger),
	}, nil
}

func setupGormDB(cfg config.PersistenceConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("no persistence dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dial = postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN})

	case "sqlite", "":
		dial = sqlite.Open(cfg.DSN)

	default:
		return nil, fmt.Errorf("invalid persistence type %q", cfg.Type)
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if cfg.Type != "postgres" {
		// sqlite has a single writer; one connection turns lock errors into queueing on the pool
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(&types.Room{}, &types.Member{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (p *GormPersist) transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	return p.retry.Do(ctx, op, func(ctx context.Context) error {
		return p.db.WithContext(ctx).Transaction(fn)
	})
}

func (p *GormPersist) read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	return p.retry.Do(ctx, op, func(ctx context.Context) error {
		return fn(p.db.WithContext(ctx))
	})
}

func notFound(err, replacement error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return replacement
	}
	return err
}

// CreateRoom inserts the room together with its owner, who becomes the host.
func (p *GormPersist) CreateRoom(ctx context.Context, room *types.Room, owner *types.Member) error {
	return p.transaction(ctx, "create room", func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&types.Room{}).Where("name = ?", room.Name).Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return types.ErrRoomNameTaken
		}
		room.CurrentCount = 1
		room.Owner = owner.Identity
		owner.Seq = 0
		owner.RoomId = room.Id
		owner.Host = true
		err = tx.Create(room).Error
		if err != nil {
			return translate(err, types.ErrRoomNameTaken)
		}
		return translate(tx.Create(owner).Error, types.ErrAlreadyJoined)
	})
}

func (p *GormPersist) GetRoom(ctx context.Context, roomId string) (*types.Room, error) {
	room := &types.Room{}
	err := p.read(ctx, "get room", func(db *gorm.DB) error {
		return notFound(db.First(room, "id = ?", roomId).Error, types.ErrRoomNotFound)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *GormPersist) GetRoomByName(ctx context.Context, name string) (*types.Room, error) {
	room := &types.Room{}
	err := p.read(ctx, "get room by name", func(db *gorm.DB) error {
		return notFound(db.First(room, "name = ?", name).Error, types.ErrRoomNotFound)
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *GormPersist) GetRooms(ctx context.Context) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.read(ctx, "get rooms", func(db *gorm.DB) error {
		return db.Order("created_at, id").Find(&rooms).Error
	})
	return rooms, err
}

// DeleteRoom removes the room with all its members and messages and returns the removed members.
func (p *GormPersist) DeleteRoom(ctx context.Context, roomId string) ([]*types.Member, error) {
	var members []*types.Member
	err := p.transaction(ctx, "delete room", func(tx *gorm.DB) error {
		members = make([]*types.Member, 0)
		room := types.Room{}
		err := tx.Clauses(lockRoom).First(&room, "id = ?", roomId).Error
		if err != nil {
			return notFound(err, types.ErrRoomNotFound)
		}
		err = tx.Where("room_id = ?", roomId).Order("joined_at, seq").Find(&members).Error
		if err != nil {
			return err
		}
		return deleteRoom(tx, roomId)
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func deleteRoom(tx *gorm.DB, roomId string) error {
	err := tx.Where("room_id = ?", roomId).Delete(&types.Message{}).Error
	if err != nil {
		return err
	}
	err = tx.Where("room_id = ?", roomId).Delete(&types.Member{}).Error
	if err != nil {
		return err
	}
	return tx.Where("id = ?", roomId).Delete(&types.Room{}).Error
}

func (p *GormPersist) GetMember(ctx context.Context, roomId, identity string) (*types.Member, error) {
	member := &types.Member{}
	err := p.read(ctx, "get member", func(db *gorm.DB) error {
		return notFound(db.First(member, "room_id = ? AND identity = ?", roomId, identity).Error, types.ErrMemberNotFound)
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// GetMembers returns the members of a room in join order.
func (p *GormPersist) GetMembers(ctx context.Context, roomId string) ([]*types.Member, error) {
	members := make([]*types.Member, 0)
	err := p.read(ctx, "get members", func(db *gorm.DB) error {
		return db.Where("room_id = ?", roomId).Order("joined_at, seq").Find(&members).Error
	})
	return members, err
}

func (p *GormPersist) GetMemberships(ctx context.Context, identity string) ([]*types.Member, error) {
	members := make([]*types.Member, 0)
	err := p.read(ctx, "get memberships", func(db *gorm.DB) error {
		return db.Where("identity = ?", identity).Order("joined_at, seq").Find(&members).Error
	})
	return members, err
}

func (p *GormPersist) GetMemberKeys(ctx context.Context) (map[types.MemberKey]struct{}, error) {
	keys := make(map[types.MemberKey]struct{})
	err := p.read(ctx, "get member keys", func(db *gorm.DB) error {
		rows := make([]types.Member, 0)
		err := db.Select("room_id", "identity").Find(&rows).Error
		if err != nil {
			return err
		}
		for k := range keys {
			delete(keys, k)
		}
		for _, m := range rows {
			keys[m.Key()] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// AddMember inserts a non-host member after checking duplicates and capacity under the room lock. It returns the room
// with the updated count.
func (p *GormPersist) AddMember(ctx context.Context, member *types.Member) (*types.Room, error) {
	room := &types.Room{}
	err := p.transaction(ctx, "add member", func(tx *gorm.DB) error {
		err := tx.Clauses(lockRoom).First(room, "id = ?", member.RoomId).Error
		if err != nil {
			return notFound(err, types.ErrRoomNotFound)
		}
		var n int64
		err = tx.Model(&types.Member{}).Where("room_id = ? AND identity = ?", member.RoomId, member.Identity).Count(&n).Error
		if err != nil {
			return err
		}
		if n > 0 {
			return types.ErrAlreadyJoined
		}
		err = tx.Model(&types.Member{}).Where("room_id = ?", member.RoomId).Count(&n).Error
		if err != nil {
			return err
		}
		if int(n) >= room.Capacity {
			return types.ErrCapacity
		}
		member.Seq = 0
		member.Host = n == 0
		err = tx.Create(member).Error
		if err != nil {
			return translate(err, types.ErrAlreadyJoined)
		}
		room.CurrentCount = int(n) + 1
		updates := map[string]interface{}{"current_count": room.CurrentCount}
		if member.Host {
			room.Owner = member.Identity
			updates["owner"] = room.Owner
		}
		return tx.Model(room).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

// RemoveMember deletes the member row, recounts the room, hands the host role to the earliest joined remaining member
// if needed and deletes the room when nobody is left. Removing an absent member is not an error.
func (p *GormPersist) RemoveMember(ctx context.Context, roomId, identity string) (*RemoveResult, error) {
	res := &RemoveResult{}
	err := p.transaction(ctx, "remove member", func(tx *gorm.DB) error {
		*res = RemoveResult{}
		room := &types.Room{}
		err := tx.Clauses(lockRoom).First(room, "id = ?", roomId).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res.Room = room
		member := &types.Member{}
		err = tx.First(member, "room_id = ? AND identity = ?", roomId, identity).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			err = tx.Delete(member).Error
			if err != nil {
				return err
			}
			res.Member = member
		}
		st, err := settle(tx, room)
		if err != nil {
			return err
		}
		res.Remaining = st.Count
		res.NewHost = st.HostRepaired
		res.RoomDeleted = st.RoomDeleted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reconcile recounts a room, repairs the count and the host flag and deletes the room if it is empty.
func (p *GormPersist) Reconcile(ctx context.Context, roomId string) (*ReconcileResult, error) {
	var res *ReconcileResult
	err := p.transaction(ctx, "reconcile room", func(tx *gorm.DB) error {
		room := &types.Room{}
		err := tx.Clauses(lockRoom).First(room, "id = ?", roomId).Error
		if err != nil {
			return notFound(err, types.ErrRoomNotFound)
		}
		res, err = settle(tx, room)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// settle brings a locked room row in line with its member rows.
func settle(tx *gorm.DB, room *types.Room) (*ReconcileResult, error) {
	res := &ReconcileResult{RoomId: room.Id, CountBefore: room.CurrentCount}
	remaining := make([]*types.Member, 0)
	err := tx.Where("room_id = ?", room.Id).Order("joined_at, seq").Find(&remaining).Error
	if err != nil {
		return nil, err
	}
	res.Count = len(remaining)
	if len(remaining) == 0 {
		res.RoomDeleted = true
		return res, deleteRoom(tx, room.Id)
	}

	updates := make(map[string]interface{})
	var host *types.Member
	for _, m := range remaining {
		if m.Host {
			if host != nil {
				// more than one host, keep the earliest
				err = tx.Model(m).Update("host", false).Error
				if err != nil {
					return nil, err
				}
				m.Host = false
				continue
			}
			host = m
		}
	}
	if host == nil {
		host = remaining[0]
		err = tx.Model(host).Update("host", true).Error
		if err != nil {
			return nil, err
		}
		host.Host = true
		res.HostRepaired = host
	}
	if room.Owner != host.Identity {
		room.Owner = host.Identity
		updates["owner"] = host.Identity
	}
	if room.CurrentCount != len(remaining) {
		room.CurrentCount = len(remaining)
		updates["current_count"] = len(remaining)
	}
	if len(updates) > 0 {
		err = tx.Model(room).Updates(updates).Error
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// StoreMessage persists a message if its room still exists.
func (p *GormPersist) StoreMessage(ctx context.Context, msg *types.Message) error {
	return p.transaction(ctx, "store message", func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&types.Room{}).Where("id = ?", msg.RoomId).Count(&n).Error
		if err != nil {
			return err
		}
		if n == 0 {
			return types.ErrRoomNotFound
		}
		return translate(tx.Create(msg).Error, types.ErrConflict)
	})
}

// GetMessages returns the latest limit messages of a room, oldest first.
func (p *GormPersist) GetMessages(ctx context.Context, roomId string, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.read(ctx, "get messages", func(db *gorm.DB) error {
		q := db.Where("room_id = ?", roomId).Order("created_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&messages).Error
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
