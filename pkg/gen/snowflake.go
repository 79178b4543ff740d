package gen

import (
	"fmt"

	"smallbiznis-rewards/pkg/config"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("snowflake", fx.Provide(NewSnowflakeNode))

// NewSnowflakeNode builds the id generator for this process. Each replica
// needs its own SNOWFLAKE_NODE.
func NewSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("init snowflake node %d: %w", cfg.SnowflakeNode, err)
	}
	zap.L().Info("[Snowflake] node ready", zap.Int64("node", cfg.SnowflakeNode))
	return node, nil
}
