package auth

import "gorm.io/gorm"

// IsSessionHost 세션 호스트 여부 확인
func IsSessionHost(db *gorm.DB, sessionID, userID int64) (bool, error) {
	var hostID int64
	if err := db.Table("study_sessions").Where("id = ?", sessionID).Select("host_id").Scan(&hostID).Error; err != nil {
		return false, err
	}
	return hostID == userID, nil
}
