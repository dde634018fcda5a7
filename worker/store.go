package worker

import (
	"github.com/pkg/errors"

	"github.com/mengeric/simjob-worker/client"
	"github.com/mengeric/simjob-worker/config"
	"github.com/mengeric/simjob-worker/simjob"
	"github.com/mengeric/simjob-worker/storage/gormstore"
	"github.com/mengeric/simjob-worker/storage/memstore"
	"github.com/mengeric/simjob-worker/storage/reststore"
)

// OpenStore 按配置构造存储实现，返回的 closeFn 释放底层连接。
// 凭据校验由 config.Validate 完成，这里只负责装配。
func OpenStore(c config.StoreConfig) (store simjob.Store, closeFn func() error, err error) {
	noop := func() error { return nil }
	switch c.Driver {
	case config.DriverREST:
		api := client.NewHTTPPostgREST(c.URL, c.Key)
		return reststore.New(api, c.JobTable, c.ResultTable), noop, nil
	case config.DriverPostgres, config.DriverSQLite:
		db, err := gormstore.Open(c.Driver, c.DSN)
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "underlying sql.DB")
		}
		s := gormstore.New(db, gormstore.WithTables(c.JobTable, c.ResultTable))
		if c.AutoMigrate {
			if err := s.AutoMigrate(); err != nil {
				_ = sqlDB.Close()
				return nil, nil, err
			}
		}
		return s, sqlDB.Close, nil
	case config.DriverMemory:
		return memstore.New(), noop, nil
	}
	return nil, nil, errors.Errorf("unknown store driver %q", c.Driver)
}
