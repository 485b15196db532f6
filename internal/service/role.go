package service

import (
	"errors"

	"chatapp/internal/models"
	"chatapp/internal/store"

	"gorm.io/gorm"
)

// 群内等级，严格有序：创建者 > 群管理员 > 参与者。
const (
	RankCreator     = "CREATOR"
	RankGroupAdmin  = "GROUP_ADMIN"
	RankParticipant = "PARTICIPANT"
)

// GroupRole 返回调用方在房间内的等级。
func (s *RoomService) GroupRole(callerID, roomID string) (string, error) {
	room, err := s.roomByID(roomID)
	if err != nil {
		return "", err
	}
	switch {
	case room.IsCreator(callerID):
		return RankCreator, nil
	case room.GroupAdminIDs.Contains(callerID):
		return RankGroupAdmin, nil
	case room.IsParticipant(callerID):
		return RankParticipant, nil
	default:
		return "", ErrNotAParticipant
	}
}

// PromoteToGroupAdmin 把目标提升为群管理员，调用方必须已是群管理员。
// 目标已是管理员（含创建者）时幂等返回。
func (s *RoomService) PromoteToGroupAdmin(callerID, roomID, targetID string) error {
	for i := 0; i < casRetries; i++ {
		room, err := s.roomByID(roomID)
		if err != nil {
			return err
		}
		if !room.IsGroupAdmin(callerID) {
			return ErrInsufficientRole
		}
		if !room.IsParticipant(targetID) {
			return ErrNotAParticipant
		}
		if room.IsGroupAdmin(targetID) {
			return nil
		}
		room.GroupAdminIDs = room.GroupAdminIDs.Add(targetID)
		err = s.rooms.Save(room)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return store.ErrVersionConflict
}

// DemoteGroupAdmin 撤销目标的群管理员身份，只有创建者可以降级，
// 管理员之间不可互相降级。创建者从不出现在存储的管理员集合里，
// 以创建者为目标的调用会像目标根本不是管理员一样失败。
func (s *RoomService) DemoteGroupAdmin(callerID, roomID, targetID string) error {
	for i := 0; i < casRetries; i++ {
		room, err := s.roomByID(roomID)
		if err != nil {
			return err
		}
		if !room.IsCreator(callerID) {
			return ErrInsufficientRole
		}
		if !room.GroupAdminIDs.Contains(targetID) {
			return ErrNotAnAdmin
		}
		room.GroupAdminIDs = room.GroupAdminIDs.Remove(targetID)
		err = s.rooms.Save(room)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return store.ErrVersionConflict
}

// KickFromGroup 把目标移出房间。调用方必须是群管理员；目标是
// 管理员时只有创建者能踢；创建者不在任何可踢目标集合内。成功后
// 通过 SendMessage 留下一条可见的审计消息并返回它供扇出。
func (s *RoomService) KickFromGroup(callerID, roomID, targetID string) (*models.Message, error) {
	for i := 0; i < casRetries; i++ {
		room, err := s.roomByID(roomID)
		if err != nil {
			return nil, err
		}
		if !room.IsGroupAdmin(callerID) {
			return nil, ErrInsufficientRole
		}
		if room.IsCreator(targetID) {
			return nil, ErrInsufficientRole
		}
		if !room.IsParticipant(targetID) {
			return nil, ErrNotAParticipant
		}
		if room.GroupAdminIDs.Contains(targetID) && !room.IsCreator(callerID) {
			return nil, ErrInsufficientRole
		}
		target, err := s.principals.ByID(targetID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrPrincipalNotFound
			}
			return nil, err
		}
		room.ParticipantIDs = room.ParticipantIDs.Remove(targetID)
		room.GroupAdminIDs = room.GroupAdminIDs.Remove(targetID)
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.rooms.WithTx(tx).Save(room); err != nil {
				return err
			}
			target.ChatRooms = target.ChatRooms.Remove(roomID)
			return s.principals.WithTx(tx).Save(target)
		})
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.SendMessage(callerID, roomID, target.Email+" was removed from the group")
	}
	return nil, store.ErrVersionConflict
}
