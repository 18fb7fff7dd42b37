package plan

import (
	"errors"
	"path/filepath"

	"github.com/smallbiznis/meterbill/internal/config"
	plandomain "github.com/smallbiznis/meterbill/internal/plan/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type catalogFile struct {
	Plans []Definition `mapstructure:"plans"`
}

// LoadCatalog reads plans.yml and builds the catalog. The built-in catalog is used when
// no file is found; a file that fails validation aborts startup.
func LoadCatalog(cfg config.Config, log *zap.Logger) (plandomain.Catalog, error) {
	log = log.Named("plan.catalog")

	defs, source, err := readDefinitions(cfg)
	if err != nil {
		return nil, err
	}

	plans, err := Build(defs)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalog(plans)
	if err != nil {
		return nil, err
	}

	log.Info("plan catalog loaded",
		zap.String("source", source),
		zap.Int("versions", len(plans)),
	)
	return catalog, nil
}

func readDefinitions(cfg config.Config) ([]Definition, string, error) {
	v := viper.New()
	v.SetConfigName("plans")
	v.SetConfigType("yml")
	if cfg.ConfigDir != "" {
		v.AddConfigPath(filepath.Clean(cfg.ConfigDir))
	}
	v.AddConfigPath("/etc/meterbill")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return DefaultDefinitions(), "builtin", nil
		}
		return nil, "", err
	}

	var file catalogFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, "", err
	}
	if len(file.Plans) == 0 {
		return nil, "", errors.New("plans.yml defines no plans")
	}
	return file.Plans, v.ConfigFileUsed(), nil
}
