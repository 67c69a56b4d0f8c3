// Package gazetteer seeds ZIP centroids from the Census ZCTA cartographic
// boundary shapefile. Seeded centroids fill the gaps left by ZIPs whose
// market records all lack coordinates; aggregated record centroids take
// priority when both exist.
package gazetteer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/freshlocalharvest/market-pipeline/internal/address"
	"github.com/freshlocalharvest/market-pipeline/internal/fetcher"
	"github.com/freshlocalharvest/market-pipeline/internal/model"
)

// ZCTAShapefileURL is the 1:500k cartographic boundary file for ZIP
// Code Tabulation Areas. Small enough to pull on demand, detailed
// enough for centroid work.
const ZCTAShapefileURL = "https://www2.census.gov/geo/tiger/GENZ2020/shp/cb_2020_us_zcta520_500k.zip"

// zctaFieldCandidates are the attribute names the ZCTA code has shipped
// under across vintages, in priority order.
var zctaFieldCandidates = []string{"zcta5ce20", "zcta5ce10", "zcta5ce", "geoid20", "geoid10", "geoid"}

// Download fetches the ZCTA ZIP into destDir and extracts it, returning
// the path to the .shp file. An already-downloaded ZIP is reused.
func Download(ctx context.Context, f fetcher.Fetcher, url, destDir string) (string, error) {
	if url == "" {
		url = ZCTAShapefileURL
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", eris.Wrap(err, "gazetteer: create dest dir")
	}

	parts := strings.Split(url, "/")
	zipName := parts[len(parts)-1]
	zipPath := filepath.Join(destDir, zipName)

	if info, err := os.Stat(zipPath); err == nil && info.Size() > 0 {
		zap.L().Debug("gazetteer: zip already present", zap.String("path", zipPath))
	} else {
		zap.L().Info("gazetteer: downloading ZCTA shapefile", zap.String("url", url))
		// Census mirrors the boundary files on ftp2.census.gov.
		dl := f
		if strings.HasPrefix(url, "ftp://") {
			dl = fetcher.NewFTPFetcher(fetcher.FTPOptions{})
		}
		if _, err := dl.DownloadToFile(ctx, url, zipPath); err != nil {
			return "", eris.Wrap(err, "gazetteer: download ZCTA zip")
		}
	}

	extractDir := filepath.Join(destDir, strings.TrimSuffix(zipName, ".zip"))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return "", eris.Wrap(err, "gazetteer: create extract dir")
	}
	if _, err := fetcher.ExtractZIP(zipPath, extractDir); err != nil {
		return "", eris.Wrap(err, "gazetteer: extract ZCTA zip")
	}

	return findShapefile(extractDir)
}

func findShapefile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", eris.Wrap(err, "gazetteer: read extract dir")
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".shp") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", eris.Errorf("gazetteer: no .shp file in %s", dir)
}

// LoadCentroids reads a ZCTA shapefile and returns one centroid per ZIP.
func LoadCentroids(shpPath string) (model.CentroidTable, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "gazetteer: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	zctaIdx := -1
	for _, candidate := range zctaFieldCandidates {
		for i, f := range fields {
			name := strings.ToLower(strings.TrimRight(f.String(), "\x00"))
			if name == candidate {
				zctaIdx = i
				break
			}
		}
		if zctaIdx >= 0 {
			break
		}
	}
	if zctaIdx < 0 {
		return nil, eris.Errorf("gazetteer: no ZCTA code field in %s", shpPath)
	}

	table := make(model.CentroidTable)
	var skipped int

	for reader.Next() {
		_, shape := reader.Shape()

		zip := address.NormalizeZip(strings.TrimSpace(strings.TrimRight(reader.Attribute(zctaIdx), "\x00")))
		if zip == "" {
			skipped++
			continue
		}

		poly, ok := shape.(*shp.Polygon)
		if !ok {
			skipped++
			continue
		}
		mp := toMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}
		centroid, ok := areaCentroid(mp)
		if !ok {
			skipped++
			continue
		}
		table[zip] = centroid
	}

	if skipped > 0 {
		zap.L().Debug("gazetteer: skipped shapefile records", zap.Int("skipped", skipped))
	}
	zap.L().Info("gazetteer: loaded ZCTA centroids", zap.Int("zips", len(table)))
	return table, nil
}

// toMultiPolygon converts a shapefile polygon. Each part becomes one
// single-ring polygon; hole semantics are preserved by ring orientation
// in the centroid math rather than by nesting.
func toMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(4326)

	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}

		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		poly := geom.NewPolygon(geom.XY)
		if err := poly.Push(ring); err != nil {
			continue
		}
		if err := mp.Push(poly); err != nil {
			continue
		}
	}

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// areaCentroid computes the area-weighted centroid over every ring's
// flat coordinates. Signed shoelace areas make shapefile holes (wound
// opposite to outer rings) subtract themselves. Falls back to a vertex
// mean for degenerate geometry.
func areaCentroid(mp *geom.MultiPolygon) (model.Centroid, bool) {
	var areaSum, cxSum, cySum float64
	var vx, vy float64
	var vn int

	for pi := 0; pi < mp.NumPolygons(); pi++ {
		poly := mp.Polygon(pi)
		for ri := 0; ri < poly.NumLinearRings(); ri++ {
			flat := poly.LinearRing(ri).FlatCoords()
			n := len(flat) / 2
			if n < 3 {
				continue
			}

			var a, cx, cy float64
			for i := 0; i < n; i++ {
				x0, y0 := flat[2*i], flat[2*i+1]
				j := (i + 1) % n
				x1, y1 := flat[2*j], flat[2*j+1]
				cross := x0*y1 - x1*y0
				a += cross
				cx += (x0 + x1) * cross
				cy += (y0 + y1) * cross

				vx += x0
				vy += y0
				vn++
			}
			areaSum += a
			cxSum += cx
			cySum += cy
		}
	}

	if areaSum > 1e-12 || areaSum < -1e-12 {
		// cx/cy carry the 1/(6A) factor; areaSum carries 1/2.
		lon := cxSum / (3 * areaSum)
		lat := cySum / (3 * areaSum)
		return model.Centroid{Lat: lat, Lon: lon}, true
	}
	if vn > 0 {
		return model.Centroid{Lat: vy / float64(vn), Lon: vx / float64(vn)}, true
	}
	return model.Centroid{}, false
}
