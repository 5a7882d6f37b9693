package common

import (
	"fmt"
	"path"
	"strings"
)

//go:generate go run github.com/dmarkham/enumer -json -type Sensor

// Sensor defines the kind of satellite instrument providing the bands
type Sensor int

const (
	Unknown Sensor = iota
	Sentinel1
	Sentinel2
	Landsat8
	Landsat9
)

// GetSensorFromString returns the sensor from the user input
func GetSensorFromString(input string) Sensor {
	switch strings.ToLower(input) {
	case "sentinel1", "sentinel-1", "s1":
		return Sentinel1
	case "sentinel2", "sentinel-2", "s2":
		return Sentinel2
	case "landsat8", "landsat-8", "l8":
		return Landsat8
	case "landsat9", "landsat-9", "l9":
		return Landsat9
	}
	return GetSensorFromProductId(input)
}

func GetSensorFromProductId(sceneName string) Sensor {
	switch {
	case strings.HasPrefix(sceneName, "S1"):
		return Sentinel1
	case strings.HasPrefix(sceneName, "S2"):
		return Sentinel2
	case strings.HasPrefix(sceneName, "LC08"), strings.HasPrefix(sceneName, "LO08"):
		return Landsat8
	case strings.HasPrefix(sceneName, "LC09"), strings.HasPrefix(sceneName, "LO09"):
		return Landsat9
	}
	return Unknown
}

// SensorName returns the canonical name of the sensor if known, the input otherwise
func SensorName(input string) string {
	if s := GetSensorFromString(input); s != Unknown {
		return s.String()
	}
	return input
}

// Output layout
const (
	CustomFeaturesDir     = "customF"
	FinalDir              = "final"
	DefaultFeatureMapName = "features_map.tif"
)

// ChunkFileName returns the name of the ChunkRaster of the chunk of the tile
func ChunkFileName(tile string, index int) string {
	return fmt.Sprintf("%s_chunk_%d.tif", tile, index)
}

// ChunkPath returns {output}/customF/{tile}_chunk_{index}.tif
func ChunkPath(output, tile string, index int) string {
	return path.Join(output, CustomFeaturesDir, ChunkFileName(tile, index))
}

// FeatureMapPath returns {output}/final/{name|features_map.tif}
func FeatureMapPath(output, name string) string {
	if name == "" {
		name = DefaultFeatureMapName
	}
	return path.Join(output, FinalDir, name)
}

/**
 * FormatBrackets replaces in <str> all {keys} of <info> by the corresponding value
 * e.g. {tile}, {sensor}, {band}
 */
func FormatBrackets(str string, infos ...map[string]string) string {
	for _, info := range infos {
		for k, v := range info {
			str = strings.ReplaceAll(str, "{"+k+"}", v)
		}
	}
	return str
}
