package db

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livemix/common"
	"github.com/apex/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// PersistenceManager is the durable counterpart of the Camera Registry: it
// records registration intent (CameraRecord) so a process restart can
// rehydrate cameras. It never holds runtime-only state (§9).
type PersistenceManager interface {
	/*
		Ready check whether the DB connection is working

			@param ctxt context.Context - execution context
	*/
	Ready(ctxt context.Context) error

	/*
		UpsertCamera record or update a camera's registration

			@param ctxt context.Context - execution context
			@param record common.CameraRecord - camera registration record
	*/
	UpsertCamera(ctxt context.Context, record common.CameraRecord) error

	/*
		GetCamera fetch a camera's registration record

			@param ctxt context.Context - execution context
			@param id string - camera ID
			@returns registration record
	*/
	GetCamera(ctxt context.Context, id string) (common.CameraRecord, error)

	/*
		ListCameras fetch all camera registration records

			@param ctxt context.Context - execution context
			@returns registration records
	*/
	ListCameras(ctxt context.Context) ([]common.CameraRecord, error)

	/*
		UpdateCamera update a camera's source URL / description

			@param ctxt context.Context - execution context
			@param id string - camera ID
			@param sourceURL *string - new source URL, unchanged when nil
			@param description *string - new description, unchanged when nil
	*/
	UpdateCamera(ctxt context.Context, id string, sourceURL, description *string) error

	/*
		DeleteCamera remove a camera's registration record

			@param ctxt context.Context - execution context
			@param id string - camera ID
	*/
	DeleteCamera(ctxt context.Context, id string) error
}

// persistenceManagerImpl implements PersistenceManager
type persistenceManagerImpl struct {
	goutils.Component
	db *gorm.DB
}

/*
NewManager define a new camera-registry persistence manager

	@param dbDialector gorm.Dialector - GORM SQL dialector
	@param logLevel logger.LogLevel - SQL log level
	@returns new manager
*/
func NewManager(dbDialector gorm.Dialector, logLevel logger.LogLevel) (PersistenceManager, error) {
	db, err := gorm.Open(dbDialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logLevel),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&common.CameraRecord{}); err != nil {
		return nil, err
	}

	logTags := log.Fields{"module": "db", "component": "manager", "instance": dbDialector.Name()}
	return &persistenceManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db: db,
	}, nil
}

func (m *persistenceManagerImpl) Ready(ctxt context.Context) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		tmp := tx.Find(&[]common.CameraRecord{}).Limit(1)
		return tmp.Error
	})
}

func (m *persistenceManagerImpl) UpsertCamera(ctxt context.Context, record common.CameraRecord) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		if tmp := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&record); tmp.Error != nil {
			return tmp.Error
		}

		log.WithFields(logTags).WithField("camera-id", record.ID).Info("Recorded camera registration")
		return nil
	})
}

func (m *persistenceManagerImpl) GetCamera(ctxt context.Context, id string) (common.CameraRecord, error) {
	var result common.CameraRecord
	return result, m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := tx.First(&result, "id = ?", id); tmp.Error != nil {
			return tmp.Error
		}
		return nil
	})
}

func (m *persistenceManagerImpl) ListCameras(ctxt context.Context) ([]common.CameraRecord, error) {
	var results []common.CameraRecord
	return results, m.db.Transaction(func(tx *gorm.DB) error {
		if tmp := tx.Find(&results); tmp.Error != nil {
			return tmp.Error
		}
		return nil
	})
}

func (m *persistenceManagerImpl) UpdateCamera(
	ctxt context.Context, id string, sourceURL, description *string,
) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)

		updates := map[string]interface{}{}
		if sourceURL != nil {
			updates["source_url"] = *sourceURL
		}
		if description != nil {
			updates["description"] = *description
		}
		if len(updates) == 0 {
			return nil
		}

		if tmp := tx.Model(&common.CameraRecord{}).Where("id = ?", id).Updates(updates); tmp.Error != nil {
			return tmp.Error
		}

		log.WithFields(logTags).WithField("camera-id", id).Info("Updated camera registration")
		return nil
	})
}

func (m *persistenceManagerImpl) DeleteCamera(ctxt context.Context, id string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		logTags := m.GetLogTagsForContext(ctxt)
		if tmp := tx.Delete(&common.CameraRecord{}, "id = ?", id); tmp.Error != nil {
			return tmp.Error
		}
		log.WithFields(logTags).WithField("camera-id", id).Info("Deleted camera registration")
		return nil
	})
}
