package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供分区/策略/状态机终态字段，供拦截日志复用。
func RequestFields(generation, method, path, strategy, state, source, partition string) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"method":     method,
		"path":       path,
		"strategy":   strategy,
		"state":      state,
		"source":     source,
		"partition":  partition,
		"cache_hit":  source == "cache",
	}
}

// LifecycleFields 用于 install/activate/trim 等生命周期事件。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}
