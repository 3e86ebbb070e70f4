package simulate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/midnightgrind/tougelog-service-manager-go/pkg/model"
)

// duelFileConfig is the YAML shape of a duel config file. Keys match the
// JSON attributes of the register endpoint.
type duelFileConfig struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Mode        string  `yaml:"mode"`
	StartDelay  float64 `yaml:"startDelay"`
	Course      struct {
		Name           string  `yaml:"name"`
		LengthM        float64 `yaml:"lengthM"`
		ElevationDropM float64 `yaml:"elevationDropM"`
	} `yaml:"course"`
	Stakes struct {
		Cash     int  `yaml:"cash"`
		Rep      int  `yaml:"rep"`
		PinkSlip bool `yaml:"pinkSlip"`
	} `yaml:"stakes"`
	Participants []struct {
		CarID      string `yaml:"carId"`
		DriverName string `yaml:"driverName"`
		CarClass   string `yaml:"carClass"`
	} `yaml:"participants"`
}

func readDuelConfig(filename string) (*model.DuelConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var fileCfg duelFileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", filename, err)
	}
	ret := &model.DuelConfig{
		Name:        fileCfg.Name,
		Description: fileCfg.Description,
		Mode:        model.DuelMode(fileCfg.Mode),
		StartDelay:  fileCfg.StartDelay,
		Course: model.CourseInfo{
			Name:           fileCfg.Course.Name,
			LengthM:        fileCfg.Course.LengthM,
			ElevationDropM: fileCfg.Course.ElevationDropM,
		},
		Stakes: model.Stakes{
			Cash:     fileCfg.Stakes.Cash,
			Rep:      fileCfg.Stakes.Rep,
			PinkSlip: fileCfg.Stakes.PinkSlip,
		},
		Participants: make([]model.VehicleRef, 0, len(fileCfg.Participants)),
	}
	for _, p := range fileCfg.Participants {
		ret.Participants = append(ret.Participants, model.VehicleRef{
			CarID:      p.CarID,
			DriverName: p.DriverName,
			CarClass:   p.CarClass,
		})
	}
	return ret, nil
}
