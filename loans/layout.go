package loans

import (
	"fmt"

	"Gin_postgres_redis_laptop_checkout/models"
)

const DefaultDeviceModel = "Chromebook"

// Layout 描述整批设备：每个年级 Classes 个班、每班 Slots 个座号
type Layout struct {
	Model  string        `yaml:"model"`
	Grades []GradeLayout `yaml:"grades"`
}

type GradeLayout struct {
	Grade   int `yaml:"grade"`
	Classes int `yaml:"classes"`
	Slots   int `yaml:"slots"`
}

func (l Layout) Validate() error {
	if len(l.Grades) == 0 {
		return ErrValidation("registry layout has no grades")
	}
	seen := map[int]bool{}
	for _, g := range l.Grades {
		if g.Grade < 1 || g.Grade > 9 {
			return ErrValidation("registry layout: grade %d out of range 1-9", g.Grade)
		}
		if seen[g.Grade] {
			return ErrValidation("registry layout: grade %d listed twice", g.Grade)
		}
		seen[g.Grade] = true
		if g.Classes < 1 || g.Classes > 99 || g.Slots < 1 || g.Slots > 99 {
			return ErrValidation("registry layout: grade %d needs 1-99 classes and slots", g.Grade)
		}
	}
	return nil
}

// Devices 生成全部设备记录（默认 available）
func (l Layout) Devices() []models.Device {
	model := l.Model
	if model == "" {
		model = DefaultDeviceModel
	}
	var out []models.Device
	for _, g := range l.Grades {
		for c := 1; c <= g.Classes; c++ {
			for s := 1; s <= g.Slots; s++ {
				tag, err := tagFor(g.Grade, c, s)
				if err != nil {
					continue
				}
				out = append(out, models.Device{
					AssetTag:      tag,
					Model:         model,
					Status:        models.DeviceAvailable,
					AssignedClass: fmt.Sprintf("%d-%d", g.Grade, c),
				})
			}
		}
	}
	return out
}
